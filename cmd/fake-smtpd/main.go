// fake-smtpd is a toy SMTP server for local compose stacks. It accepts mail
// and logs it, optionally failing the first N transactions to exercise the
// worker's retry path.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	failFirstN int64 = 0
	reqCount   int64 = 0
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = int64(n)
		}
	}

	addr := ":1025"
	if v := os.Getenv("SMTP_ADDR"); v != "" {
		addr = v
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("fake-smtpd listen failed: %v", err)
	}
	log.Printf("fake-smtpd listening on %s (failing first %d transactions)", addr, failFirstN)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept failed: %v", err)
			continue
		}
		go handleConn(conn)
	}
}

func handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake-smtpd ESMTP ready\r\n")

	var mailFrom, rcptTo string
	inData := false
	var data strings.Builder

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				n := atomic.AddInt64(&reqCount, 1)
				// Simulate flakiness: first N transactions -> transient failure
				if n <= atomic.LoadInt64(&failFirstN) {
					log.Printf("FAILING (%d/%d) from=%s to=%s", n, failFirstN, mailFrom, rcptTo)
					fmt.Fprintf(conn, "451 temporary failure, try again\r\n")
					continue
				}
				log.Printf("fake-smtpd OK from=%s to=%s body=%q", mailFrom, rcptTo, truncate(data.String(), 160))
				fmt.Fprintf(conn, "250 queued\r\n")
				data.Reset()
				continue
			}
			data.WriteString(line + "\n")
			continue
		}

		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			fmt.Fprintf(conn, "250-fake-smtpd\r\n250 8BITMIME\r\n")
		case strings.HasPrefix(line, "MAIL FROM:"):
			mailFrom = strings.TrimPrefix(line, "MAIL FROM:")
			fmt.Fprintf(conn, "250 ok\r\n")
		case strings.HasPrefix(line, "RCPT TO:"):
			rcptTo = strings.TrimPrefix(line, "RCPT TO:")
			fmt.Fprintf(conn, "250 ok\r\n")
		case line == "DATA":
			inData = true
			fmt.Fprintf(conn, "354 go ahead\r\n")
		case line == "RSET":
			mailFrom, rcptTo = "", ""
			data.Reset()
			fmt.Fprintf(conn, "250 ok\r\n")
		case line == "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 ok\r\n")
		}
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
