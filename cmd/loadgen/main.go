// Package main is a small load generator for the lazy-connect router: it
// opens many concurrent MySQL client connections, completes the wire
// handshake, runs a trivial query, and reports latency statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidesql/lazyrouter/internal/wire"
)

var (
	addr            = flag.String("addr", "127.0.0.1:3306", "Router address to connect to")
	totalConns      = flag.Int("total-connections", 1000, "Total number of connections to simulate")
	concurrency     = flag.Int("concurrency", 50, "Number of connections in flight at once")
	username        = flag.String("user", "loadgen", "Username to present in the handshake")
	database        = flag.String("database", "", "Database/target to select")
	routerModeHints = []string{"ro", "rw", ""}
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("[loadgen] %d connections, concurrency=%d, target=%s", *totalConns, *concurrency, *addr)

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, *concurrency)
		succeeded atomic.Int64
		failed    atomic.Int64
		mu        sync.Mutex
		latencies []time.Duration
	)

	start := time.Now()
	for i := 0; i < *totalConns; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			d, err := runOneConnection(n)
			if err != nil {
				failed.Add(1)
				log.Printf("[loadgen] connection %d failed: %v", n, err)
				return
			}
			succeeded.Add(1)
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	total := time.Since(start)
	log.Printf("[loadgen] done in %v: %d succeeded, %d failed", total, succeeded.Load(), failed.Load())
	printPercentiles(latencies)
}

// runOneConnection performs a full handshake against the router and a
// single trivial query, then disconnects.
func runOneConnection(n int) (time.Duration, error) {
	start := time.Now()

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if _, _, err := wire.ReadPacket(conn); err != nil {
		return 0, fmt.Errorf("reading server greeting: %w", err)
	}

	resp := buildHandshakeResponse(*username, *database, routerModeHints[n%len(routerModeHints)])
	if _, err := wire.WritePacket(conn, resp, 1); err != nil {
		return 0, fmt.Errorf("writing handshake response: %w", err)
	}

	_, okPayload, err := wire.ReadPacket(conn)
	if err != nil {
		return 0, fmt.Errorf("reading auth result: %w", err)
	}
	if len(okPayload) > 0 && okPayload[0] == 0xff {
		return 0, fmt.Errorf("router rejected handshake: %s", string(okPayload))
	}

	query := append([]byte{0x03}, "SELECT 1"...)
	if _, err := wire.WritePacket(conn, query, 0); err != nil {
		return 0, fmt.Errorf("writing query: %w", err)
	}
	if _, _, err := wire.ReadPacket(conn); err != nil {
		return 0, fmt.Errorf("reading query response: %w", err)
	}

	return time.Since(start), nil
}

func buildHandshakeResponse(user, database, routerMode string) []byte {
	flags := uint32(wire.CapClientProtocol41 | wire.CapClientSecureConnection | wire.CapClientConnectAttrs)
	if database != "" {
		flags |= wire.CapClientConnectWithDB
	}

	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, flags)
	buf = appendUint32(buf, 1<<24-1)
	buf = append(buf, 0x2d)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, user...)
	buf = append(buf, 0)
	buf = append(buf, 0) // no auth response, loadgen targets trust-auth backends
	if database != "" {
		buf = append(buf, database...)
		buf = append(buf, 0)
	}
	if routerMode != "" {
		attrs := appendLenEncStr(appendLenEncStr(nil, "router_mode"), routerMode)
		buf = appendLenEncInt(buf, uint64(len(attrs)))
		buf = append(buf, attrs...)
	}
	return buf
}

func printPercentiles(latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pick := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	log.Printf("[loadgen] latency p50=%v p90=%v p99=%v max=%v",
		pick(0.50), pick(0.90), pick(0.99), latencies[len(latencies)-1])
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendLenEncInt(buf []byte, v uint64) []byte {
	if v < 0xfb {
		return append(buf, byte(v))
	}
	buf = append(buf, 0xfc, byte(v), byte(v>>8))
	return buf
}

func appendLenEncStr(buf []byte, s string) []byte {
	buf = appendLenEncInt(buf, uint64(len(s)))
	return append(buf, s...)
}
