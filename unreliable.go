package stcp

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// EmulatorStats is a snapshot of an unreliable connection's decision
// counts, read by the stcpmetrics package. Every field is a running total
// since the connection was opened.
type EmulatorStats struct {
	Dropped     uint64
	Duplicated  uint64
	Held        uint64
	Replayed    uint64
	PassedThrough uint64
}

// unreliabilityEmulator sits between a Context's NetworkSend and its
// Carrier when the connection is not reliable (§4.3). Grounded on
// network.c's _network_send rand_r(&seed)&0x1f switch statement.
type unreliabilityEmulator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	held []byte // the single held-back slot; nil when empty

	log      rateLogger
	logAttrs []slog.Attr

	dropped, duplicated, heldCnt, replayed, passed atomic.Uint64
}

// Stats returns the running totals of every decision this emulator has
// made, for the stcpmetrics collector.
func (e *unreliabilityEmulator) Stats() EmulatorStats {
	return EmulatorStats{
		Dropped:       e.dropped.Load(),
		Duplicated:    e.duplicated.Load(),
		Held:          e.heldCnt.Load(),
		Replayed:      e.replayed.Load(),
		PassedThrough: e.passed.Load(),
	}
}

// newUnreliabilityEmulator derives a per-connection seed via HKDF from the
// connection's descriptor and a per-stack connection counter (see
// Stack.emulatorSeed) rather than using a bare counter the way rand_r's raw
// per-connection counter did. The derived stream is still fully
// reproducible given the same (descriptor, counter) pair, which
// is what makes scenario 4 (unreliable round-trip) deterministic under a
// fixed seed.
func newUnreliabilityEmulator(seed64 uint64, log rateLogger, attrs []slog.Attr) *unreliabilityEmulator {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], seed64)
	kdf := hkdf.New(sha256.New, info[:], nil, []byte("stcp-unreliability-emulator"))
	var seedBytes [8]byte
	if _, err := io.ReadFull(kdf, seedBytes[:]); err != nil {
		panic("stcp: hkdf seed derivation failed: " + err.Error())
	}
	return &unreliabilityEmulator{
		rng:      rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seedBytes[:])))),
		log:      log,
		logAttrs: attrs,
	}
}

// trace logs a single decision at trace level, rate-limited by e.log so a
// busy unreliable connection cannot flood a slow log sink (§ logging).
func (e *unreliabilityEmulator) trace(decision string) {
	e.log.trace("unreliability emulator decision", append(e.logAttrs, slog.String("decision", decision))...)
}

// send implements the 5-bit decision table of §4.3.
func (e *unreliabilityEmulator) send(segment []byte, carrier Carrier) error {
	e.mu.Lock()
	v := e.rng.Intn(32)
	switch v {
	case 0: // drop
		e.mu.Unlock()
		e.dropped.Add(1)
		e.trace("drop")
		return nil
	case 1: // duplicate: transmit the segment twice in this case
		e.mu.Unlock()
		e.duplicated.Add(1)
		e.trace("duplicate")
		if err := carrier.SendPacket(segment); err != nil {
			return err
		}
		return carrier.SendPacket(segment)
	case 2: // hold: copy into the single-slot buffer, return success
		buf := make([]byte, len(segment))
		copy(buf, segment)
		e.held = buf
		e.mu.Unlock()
		e.heldCnt.Add(1)
		e.trace("hold")
		return nil
	case 3: // replay the held segment if any, else duplicate
		held := e.held
		e.held = nil
		e.mu.Unlock()
		if held != nil {
			e.replayed.Add(1)
			e.trace("replay")
			return carrier.SendPacket(held)
		}
		e.duplicated.Add(1)
		e.trace("duplicate")
		if err := carrier.SendPacket(segment); err != nil {
			return err
		}
		return carrier.SendPacket(segment)
	default: // 4..31: pass through unchanged
		e.mu.Unlock()
		e.passed.Add(1)
		e.trace("pass-through")
		return carrier.SendPacket(segment)
	}
}
