// Command stcpgetd is the file-transfer demo server: it binds a listening
// stcp connection, and for every client it accepts, reads a newline (NVT
// ASCII CRLF) terminated filename and replies with
// "<name>,<size>,<status>\r\n" followed by the file's bytes, or
// "<name>,-1,<reason>\r\n" if the file cannot be served. Grounded on
// original_source/server.c's do_connection/process_line, reworked onto the
// socket façade and given one goroutine per accepted connection instead of
// the original's single-threaded accept loop.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/soypat/stcp"
	"github.com/soypat/stcp/carrier"
	"github.com/soypat/stcp/reftransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	host := flag.String("host", "127.0.0.1", "address to bind and listen on")
	port := flag.Int("port", 0, "port to bind and listen on; 0 picks an ephemeral port")
	unreliable := flag.Bool("U", false, "run the unreliability emulator on every accepted connection")
	verbose := flag.Bool("v", false, "log at debug level instead of info")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr, err := parseAddr(*host)
	if err != nil {
		return fmt.Errorf("stcpgetd: %w", err)
	}

	st := stcp.NewStack(stcp.Config{Logger: log}, carrier.Factory{Host: *host}, reftransport.Factory())

	sd, err := st.Open(!*unreliable)
	if err != nil {
		return fmt.Errorf("stcpgetd: open: %w", err)
	}
	if err := st.Bind(sd, stcp.Endpoint{Addr: addr, Port: uint16(*port)}); err != nil {
		return fmt.Errorf("stcpgetd: bind: %w", err)
	}
	if err := st.Listen(sd, 5); err != nil {
		return fmt.Errorf("stcpgetd: listen: %w", err)
	}
	local, err := st.GetSockName(sd)
	if err != nil {
		return fmt.Errorf("stcpgetd: getsockname: %w", err)
	}
	log.Info("listening", slog.Int("port", int(local.Port)))

	for {
		csd, peer, err := st.Accept(sd)
		if err != nil {
			return fmt.Errorf("stcpgetd: accept: %w", err)
		}
		log.Info("accepted connection", slog.Int("port", int(peer.Port)))
		go serveConn(st, csd, log)
	}
}

func serveConn(st *stcp.Stack, sd int, log *slog.Logger) {
	defer st.Close(sd)
	for {
		line, err := readNVTLine(st, sd)
		if err != nil || line == "" {
			return
		}
		if err := processRequest(st, sd, line); err != nil {
			log.Warn("request failed", slog.String("err", err.Error()))
			return
		}
	}
}

// processRequest mirrors process_line: reply with the file's size and an
// "Ok" status, then stream the file, or reply with a -1 size and a reason
// when the file can't be served.
func processRequest(st *stcp.Stack, sd int, name string) error {
	f, err := os.Open(name)
	if err != nil {
		resp := fmt.Sprintf("%s,-1,%s\r\n", name, requestErrorReason(err))
		_, werr := st.Write(sd, []byte(resp))
		return werr
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		resp := fmt.Sprintf("%s,-1,%s\r\n", name, requestErrorReason(err))
		_, werr := st.Write(sd, []byte(resp))
		return werr
	}

	resp := fmt.Sprintf("%s,%d,Ok\r\n", name, fi.Size())
	if _, err := st.Write(sd, []byte(resp)); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := st.Write(sd, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func requestErrorReason(err error) string {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return "File does not exist or access denied"
	}
	return "File could not be opened"
}

// readNVTLine reads one CRLF-terminated line byte by byte, following
// get_nvt_line: a connection that ends before the terminator yields an
// empty line rather than an error.
func readNVTLine(st *stcp.Stack, sd int) (string, error) {
	var line []byte
	var last byte
	buf := make([]byte, 1)
	for {
		n, err := st.Read(sd, buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", nil
		}
		this := buf[0]
		if last == '\r' && this == '\n' {
			return string(line[:len(line)-1]), nil
		}
		line = append(line, this)
		last = this
	}
}

func parseAddr(host string) (stcp.Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return stcp.Addr{}, fmt.Errorf("cannot resolve %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return stcp.Addr{}, fmt.Errorf("%q is not an IPv4 address", host)
	}
	return stcp.Addr{ip4[0], ip4[1], ip4[2], ip4[3]}, nil
}
