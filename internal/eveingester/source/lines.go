package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Stdin is the location that reads records from standard input
	Stdin = "-"
	// UnixScheme prefixes the path of a unix socket to listen on, as used by Suricata's unix_stream eve-log output
	UnixScheme = "unix://"
	// DefaultMaxLineBytes applies when no maximum line length is configured
	DefaultMaxLineBytes = 1 << 20
)

// Lines reads newline-delimited records from location and sends them, one per record, on out.
// location is a file path, Stdin or UnixScheme followed by a socket path; paths may start with ~.
// Over-long and empty lines are dropped.
// out is closed when Lines returns. Returns nil once the input is exhausted or ctx is cancelled.
func Lines(ctx context.Context, location string, maxLineBytes int, out chan<- string) error {
	defer close(out)
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}

	switch {
	case location == Stdin:
		log.Info("Reading records from stdin")
		return readDetached(ctx, os.Stdin, maxLineBytes, out)
	case strings.HasPrefix(location, UnixScheme):
		path, err := homedir.Expand(strings.TrimPrefix(location, UnixScheme))
		if err != nil {
			return errors.WithStack(err)
		}
		return listen(ctx, path, maxLineBytes, out)
	default:
		path, err := homedir.Expand(location)
		if err != nil {
			return errors.WithStack(err)
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		log.Infof("Reading records from %s", path)
		return readLines(ctx, f, maxLineBytes, out)
	}
}

// listen accepts one producer connection at a time on a unix socket at path, until ctx is cancelled.
func listen(ctx context.Context, path string, maxLineBytes int, out chan<- string) error {
	if err := removeStaleSocket(path); err != nil {
		return err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer listener.Close()
	log.Infof("Listening for records on %s", path)

	stop := closeOnDone(ctx, listener)
	defer close(stop)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithStack(err)
		}
		log.Infof("Producer connected to %s", path)
		err = readConn(ctx, conn, maxLineBytes, out)
		if err != nil {
			log.WithError(err).Warnf("Producer connection to %s failed", path)
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Infof("Producer disconnected from %s", path)
	}
}

func readConn(ctx context.Context, conn net.Conn, maxLineBytes int, out chan<- string) error {
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer close(stop)
	return readLines(ctx, conn, maxLineBytes, out)
}

// readDetached reads lines from r on a separate goroutine, so that it can return as soon as ctx is done even when r
// can't be closed to unblock a pending read, as is the case for a terminal or pipe on stdin.
// The reading goroutine exits after its pending read returns.
func readDetached(ctx context.Context, r io.Reader, maxLineBytes int, out chan<- string) error {
	lines := make(chan string)
	done := make(chan error, 1)
	go func() {
		done <- readLines(ctx, r, maxLineBytes, lines)
	}()
	for {
		select {
		case line := <-lines:
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		case err := <-done:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// closeOnDone closes c when ctx is done, unblocking any reads.  Closing the returned channel stops the watch.
func closeOnDone(ctx context.Context, c io.Closer) chan struct{} {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()
	return stop
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("%s exists and is not a socket", path)
	}
	return errors.WithStack(os.Remove(path))
}

func readLines(ctx context.Context, r io.Reader, maxLineBytes int, out chan<- string) error {
	reader := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			log.Warnf("Discarding record longer than %d bytes", maxLineBytes)
			if err = discardLine(reader); err != nil {
				return readError(ctx, err)
			}
			continue
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case out <- string(line):
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			return readError(ctx, err)
		}
	}
}

func discardLine(reader *bufio.Reader) error {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

func readError(ctx context.Context, err error) error {
	if err == io.EOF || ctx.Err() != nil {
		return nil
	}
	return errors.WithStack(err)
}
