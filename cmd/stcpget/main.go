// Command stcpget is the file-transfer demo client: given a server address
// and a filename, it asks the server for that file over an stcp connection
// and writes what comes back to "rcvd". With no filename it instead prompts
// repeatedly, NVT-ASCII style, same as the reference client. Grounded on
// original_source/client.c's loop_until_end, reworked onto the socket
// façade.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/soypat/stcp"
	"github.com/soypat/stcp/carrier"
	"github.com/soypat/stcp/reftransport"
)

const rcvdFilename = "rcvd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	filename := flag.String("f", "", "request this file non-interactively and exit, instead of prompting")
	quiet := flag.Bool("q", false, "don't write the received file to disk")
	unreliable := flag.Bool("U", false, "run the unreliability emulator on this connection")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("usage: stcpget [-U] [-q] [-f filename] server:port")
	}

	peer, err := parseHostPort(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("stcpget: %w", err)
	}

	st := stcp.NewStack(stcp.Config{}, carrier.Factory{Host: "127.0.0.1"}, reftransport.Factory())
	sd, err := st.Open(!*unreliable)
	if err != nil {
		return fmt.Errorf("stcpget: open: %w", err)
	}
	if err := st.Connect(sd, peer); err != nil {
		return fmt.Errorf("stcpget: connect: %w", err)
	}
	defer st.Close(sd)

	return loopUntilEnd(st, sd, *filename, *quiet)
}

func loopUntilEnd(st *stcp.Stack, sd int, filename string, quiet bool) error {
	stdin := bufio.NewReader(os.Stdin)
	for {
		var request string
		if filename == "" {
			fmt.Print("\nclient> ")
			line, err := stdin.ReadString('\n')
			if err != nil {
				return nil
			}
			request = strings.TrimSpace(line)
			if request == "" {
				continue
			}
		} else {
			request = filename
		}

		if _, err := st.Write(sd, []byte(request+"\r\n")); err != nil {
			return fmt.Errorf("stcpget: write: %w", err)
		}

		line, err := readNVTLine(st, sd)
		if err != nil {
			return fmt.Errorf("stcpget: read: %w", err)
		}
		fmt.Println("server:", line)

		name, length, status, err := parseResponse(line)
		if err != nil {
			return err
		}
		if length == -1 {
			if filename == "" {
				continue
			}
			return fmt.Errorf("stcpget: %s: %s", name, status)
		}

		if err := receiveFile(st, sd, length, quiet); err != nil {
			return err
		}
		if filename != "" {
			return nil
		}
	}
}

func receiveFile(st *stcp.Stack, sd int, length int, quiet bool) error {
	var file *os.File
	if !quiet {
		f, err := os.Create(rcvdFilename)
		if err != nil {
			return fmt.Errorf("stcpget: %w", err)
		}
		defer f.Close()
		file = f
	}

	buf := make([]byte, 4096)
	remaining := length
	for remaining > 0 {
		toRead := len(buf)
		if remaining < toRead {
			toRead = remaining
		}
		n, err := st.Read(sd, buf[:toRead])
		if err != nil {
			return fmt.Errorf("stcpget: read: %w", err)
		}
		if n == 0 {
			break
		}
		if file != nil {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("stcpget: %w", err)
			}
		}
		remaining -= n
	}
	if remaining != 0 {
		return fmt.Errorf("stcpget: exiting: read bad number of bytes (%d less than expected)", remaining)
	}
	return nil
}

// parseResponse splits "name,length,status" the way the reference client
// does: by the last two commas, tolerating commas inside name itself.
func parseResponse(line string) (name string, length int, status string, err error) {
	lastComma := strings.LastIndexByte(line, ',')
	if lastComma < 0 {
		return "", 0, "", fmt.Errorf("stcpget: malformed response from server")
	}
	status = line[lastComma+1:]
	rest := line[:lastComma]
	secondComma := strings.LastIndexByte(rest, ',')
	if secondComma < 0 {
		return "", 0, "", fmt.Errorf("stcpget: malformed response from server")
	}
	name = rest[:secondComma]
	length, err = strconv.Atoi(rest[secondComma+1:])
	if err != nil {
		return "", 0, "", fmt.Errorf("stcpget: malformed response from server")
	}
	return name, length, status, nil
}

// readNVTLine reads one CRLF-terminated line byte by byte: a connection
// that ends before the terminator yields the bytes read so far rather than
// an error.
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

func parseHostPort(addr string) (stcp.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return stcp.Endpoint{}, fmt.Errorf("format is server:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return stcp.Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return stcp.Endpoint{}, fmt.Errorf("cannot resolve %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return stcp.Endpoint{}, fmt.Errorf("%q is not an IPv4 address", host)
	}
	return stcp.Endpoint{Addr: stcp.Addr{ip4[0], ip4[1], ip4[2], ip4[3]}, Port: uint16(port)}, nil
}
