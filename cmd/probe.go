// Package cmd implements the probe client: a small line-oriented tool that
// sends GET requests to a running server over one keep-alive connection.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fzft/go-mini-httpd/log"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"
)

const (
	ProbeHisFileEnv     = "HTTPD_PROBE_HISTFILE"
	ProbeHisFileDefault = ".httpd_probe_history"

	defaultTimeout = 5 * time.Second
)

// Result summarizes one response.
type Result struct {
	Status   string
	Code     int
	Header   http.Header
	BodySize int64
	Elapsed  time.Duration
}

// Probe keeps one connection to the server and reconnects when the server
// closes it.
type Probe struct {
	addr    string
	out     io.Writer
	timeout time.Duration

	conn net.Conn
	rd   *bufio.Reader
}

func NewProbe(addr string, out io.Writer) *Probe {
	return &Probe{addr: addr, out: out, timeout: defaultTimeout}
}

func (p *Probe) connect() error {
	if p.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.addr, err)
	}
	p.conn = conn
	p.rd = bufio.NewReader(conn)
	log.Logger.Debug("probe connected", zap.String("addr", p.addr))
	return nil
}

// Close drops the connection.
func (p *Probe) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.rd = nil, nil
	return err
}

// Do sends one GET for target. A request on a connection the server already
// closed is retried once on a fresh connection.
func (p *Probe) Do(target string) (*Result, error) {
	reused := p.conn != nil
	res, err := p.roundTrip(target)
	if err != nil && reused {
		_ = p.Close()
		res, err = p.roundTrip(target)
	}
	return res, err
}

func (p *Probe) roundTrip(target string) (*Result, error) {
	if err := p.connect(); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := p.conn.SetDeadline(start.Add(p.timeout)); err != nil {
		return nil, err
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n\r\n", target, p.addr)
	if _, err := io.WriteString(p.conn, req); err != nil {
		return nil, err
	}

	resp, err := http.ReadResponse(p.rd, nil)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	if resp.Close {
		_ = p.Close()
	}
	return &Result{
		Status:   resp.Status,
		Code:     resp.StatusCode,
		Header:   resp.Header,
		BodySize: n,
		Elapsed:  time.Since(start),
	}, nil
}

func (p *Probe) print(res *Result) {
	fmt.Fprintf(p.out, "HTTP/1.1 %s\n", res.Status)
	for _, key := range []string{"Content-Length", "Content-Type", "Connection"} {
		if v := res.Header.Get(key); v != "" {
			fmt.Fprintf(p.out, "%s: %s\n", key, v)
		}
	}
	fmt.Fprintf(p.out, "(%d bytes in %s)\n", res.BodySize, res.Elapsed.Round(time.Microsecond))
}

// exec handles one input line. It reports false when the session should end.
func (p *Probe) exec(line string, ln *LineNoise) bool {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return true
	}

	switch {
	case strings.EqualFold(argv[0], "quit"), strings.EqualFold(argv[0], "exit"):
		return false
	case strings.EqualFold(argv[0], "clear") && ln != nil:
		_ = ln.ClearScreen()
	case len(argv) == 2 && strings.EqualFold(argv[0], "connect"):
		_ = p.Close()
		p.addr = argv[1]
		if err := p.connect(); err != nil {
			fmt.Fprintf(p.out, "(error) %v\n", err)
		}
	case strings.HasPrefix(argv[0], "/"):
		res, err := p.Do(argv[0])
		if err != nil {
			fmt.Fprintf(p.out, "(error) %v\n", err)
			return true
		}
		p.print(res)
	default:
		fmt.Fprintf(p.out, "unknown command %q, expected a path starting with '/'\n", argv[0])
	}
	return true
}

// Run reads paths from in: interactively with history when in is a terminal,
// one per line otherwise.
func (p *Probe) Run(in *os.File) error {
	defer p.Close()
	if isatty.IsTerminal(in.Fd()) {
		return p.repl()
	}
	return p.Batch(in)
}

// Batch runs every line of r.
func (p *Probe) Batch(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !p.exec(scanner.Text(), nil) {
			return nil
		}
	}
	return scanner.Err()
}

func (p *Probe) repl() error {
	ln := NewLineNoise(p.out)
	defer ln.Close()

	historyFile := getDotfilePath(ProbeHisFileEnv, ProbeHisFileDefault)
	if historyFile != "" {
		if err := ln.HistoryLoad(historyFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Logger.Warn("load history", zap.String("file", historyFile), zap.Error(err))
		}
	}

	for {
		prompt := p.addr + "> "
		if p.conn == nil {
			prompt = "not connected> "
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}

		if strings.TrimSpace(line) != "" {
			ln.AppendHistory(line)
			if historyFile != "" {
				if err := ln.HistorySave(historyFile); err != nil {
					log.Logger.Warn("save history", zap.String("file", historyFile), zap.Error(err))
				}
			}
		}
		if !p.exec(line, ln) {
			return nil
		}
	}
}

// getDotfilePath resolves a dotfile in $HOME unless envOverride names one.
// "/dev/null" disables it.
func getDotfilePath(envOverride, dotFilename string) string {
	if path := os.Getenv(envOverride); path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	if home := os.Getenv("HOME"); home != "" {
		return fmt.Sprintf("%s/%s", home, dotFilename)
	}
	return ""
}
