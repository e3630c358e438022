package websocket

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// closeGrace bounds how long the second copy direction may run after the
// first one ends.
const closeGrace = time.Second

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Splice completes a protocol switch. resp must be the upstream's
// 101 response to an upgrade request; its body is the upstream connection.
// The client connection is hijacked, the upstream handshake is written to
// it, and bytes are copied both ways until either side closes.
func Splice(w http.ResponseWriter, resp *http.Response) error {
	backend, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return fmt.Errorf("upgrade response body is not writable")
	}
	defer backend.Close()

	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return fmt.Errorf("hijack client connection: %w", err)
	}
	defer clientConn.Close()

	if err := writeHandshake(clientBuf.Writer, resp); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	errCh := make(chan error, 2)

	// the client reader may already hold frames sent right after the handshake
	go func() {
		_, err := io.Copy(backend, clientBuf.Reader)
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(clientConn, backend)
		errCh <- err
	}()

	err = <-errCh

	// let the other direction drain briefly
	clientConn.SetDeadline(time.Now().Add(closeGrace))
	if c, ok := backend.(net.Conn); ok {
		c.SetDeadline(time.Now().Add(closeGrace))
	}

	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

func writeHandshake(bw *bufio.Writer, resp *http.Response) error {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", status); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func isClosedErr(err error) bool {
	return stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.EOF)
}
