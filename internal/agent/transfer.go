package agent

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/ca"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/storage"
)

// ProgressFunc receives cumulative transfer counters. Implementations must
// be fast; the copy loop calls it inline.
type ProgressFunc func(bytesTransferred int64)

// transferChunk is how often the copy loop reports progress.
const transferChunk = 64 << 20

// Direct transfer wire format: an 8-byte big-endian image size, the raw
// image bytes, then the 32-byte SHA-256 of the image. Both ends are
// authenticated by the per-session mTLS handshake before the first byte.

// DirectServer is the source side of a direct clone: it listens for the
// one target allowed to connect and streams the device to it.
type DirectServer struct {
	listener net.Listener
	logger   *zap.Logger
}

// ListenDirect opens the mTLS listener for a session. The peer must present
// the target certificate for the same session.
func ListenDirect(bundle domain.CertificateBundle, sessionID, addr string, logger *zap.Logger) (*DirectServer, error) {
	cfg, err := ca.ServerTLSConfig(bundle, sessionID, domain.CertificateRoleTarget)
	if err != nil {
		return nil, err
	}
	listener, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &DirectServer{
		listener: listener,
		logger:   logger.Named("direct-server"),
	}, nil
}

// Port returns the bound port, for the readiness callback.
func (s *DirectServer) Port() int32 {
	return int32(s.listener.Addr().(*net.TCPAddr).Port)
}

// Close stops listening.
func (s *DirectServer) Close() error {
	return s.listener.Close()
}

// Serve accepts one connection and streams the device to it. It returns
// once the stream and its digest are fully written.
func (s *DirectServer) Serve(ctx context.Context, device string, sizeBytes int64, progress ProgressFunc) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	conn, err := s.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accepting target connection: %w", err)
	}
	defer conn.Close()

	s.logger.Info("Target connected", zap.String("remote", conn.RemoteAddr().String()))

	src, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer src.Close()

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(sizeBytes))
	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("writing size header: %w", err)
	}

	digest := sha256.New()
	if err := copyWithProgress(ctx, io.MultiWriter(conn, digest), io.LimitReader(src, sizeBytes), progress); err != nil {
		return fmt.Errorf("streaming %s: %w", device, err)
	}

	if _, err := conn.Write(digest.Sum(nil)); err != nil {
		return fmt.Errorf("writing digest: %w", err)
	}
	return nil
}

// ReceiveDirect is the target side of a direct clone: it dials the source
// with retries, writes the stream to the device and verifies the digest.
func ReceiveDirect(ctx context.Context, bundle domain.CertificateBundle, sessionID, addr, device string, progress ProgressFunc, logger *zap.Logger) error {
	cfg, err := ca.ClientTLSConfig(bundle, sessionID, domain.CertificateRoleSource)
	if err != nil {
		return err
	}

	log := logger.Named("direct-receiver")
	var conn net.Conn
	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		dialer := &tls.Dialer{Config: cfg}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if attempt >= 5 {
			return fmt.Errorf("dialing source %s: %w", addr, err)
		}
		log.Warn("Source not reachable yet, backing off",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	defer conn.Close()

	var header [8]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("reading size header: %w", err)
	}
	sizeBytes := int64(binary.BigEndian.Uint64(header[:]))

	dst, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer dst.Close()

	digest := sha256.New()
	if err := copyWithProgress(ctx, io.MultiWriter(dst, digest), io.LimitReader(conn, sizeBytes), progress); err != nil {
		return fmt.Errorf("writing %s: %w", device, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", device, err)
	}

	var want [sha256.Size]byte
	if _, err := io.ReadFull(conn, want[:]); err != nil {
		return fmt.Errorf("reading digest: %w", err)
	}
	if got := digest.Sum(nil); !equalDigest(got, want[:]) {
		return fmt.Errorf("digest mismatch after %d bytes", sizeBytes)
	}
	return nil
}

// UploadStaged copies the device into the staging area.
func UploadStaged(ctx context.Context, dirs storage.Directions, device string, sizeBytes int64, progress ProgressFunc) error {
	src, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer src.Close()
	reader := io.LimitReader(src, sizeBytes)

	switch dirs.Kind {
	case "path":
		dst, err := os.Create(dirs.Path + "/image")
		if err != nil {
			return fmt.Errorf("creating staged image: %w", err)
		}
		defer dst.Close()
		if err := copyWithProgress(ctx, dst, reader, progress); err != nil {
			return err
		}
		return dst.Sync()
	case "block":
		dst, err := os.OpenFile(dirs.Path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening staging volume: %w", err)
		}
		defer dst.Close()
		if err := copyWithProgress(ctx, dst, reader, progress); err != nil {
			return err
		}
		return dst.Sync()
	case "depot":
		return depotTransfer(ctx, http.MethodPut, dirs, &progressReader{r: reader, progress: progress}, sizeBytes, nil)
	default:
		return fmt.Errorf("unknown staging kind %q", dirs.Kind)
	}
}

// DownloadStaged copies the staging area onto the device.
func DownloadStaged(ctx context.Context, dirs storage.Directions, device string, progress ProgressFunc) error {
	dst, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer dst.Close()

	switch dirs.Kind {
	case "path":
		src, err := os.Open(dirs.Path + "/image")
		if err != nil {
			return fmt.Errorf("opening staged image: %w", err)
		}
		defer src.Close()
		if err := copyWithProgress(ctx, dst, src, progress); err != nil {
			return err
		}
		return dst.Sync()
	case "block":
		src, err := os.Open(dirs.Path)
		if err != nil {
			return fmt.Errorf("opening staging volume: %w", err)
		}
		defer src.Close()
		if err := copyWithProgress(ctx, dst, src, progress); err != nil {
			return err
		}
		return dst.Sync()
	case "depot":
		if err := depotTransfer(ctx, http.MethodGet, dirs, nil, 0, func(body io.Reader) error {
			return copyWithProgress(ctx, dst, body, progress)
		}); err != nil {
			return err
		}
		return dst.Sync()
	default:
		return fmt.Errorf("unknown staging kind %q", dirs.Kind)
	}
}

// depotTransfer runs one HTTP exchange with the staging depot.
func depotTransfer(ctx context.Context, method string, dirs storage.Directions, body io.Reader, contentLength int64, onBody func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, method, dirs.URL, body)
	if err != nil {
		return fmt.Errorf("creating depot request: %w", err)
	}
	if body != nil {
		req.ContentLength = contentLength
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if dirs.Token != "" {
		req.Header.Set("Authorization", "Bearer "+dirs.Token)
	}

	// No client timeout: image transfers legitimately run for hours. The
	// context bounds the call instead.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("calling depot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("depot returned %d: %s", resp.StatusCode, msg)
	}
	if onBody != nil {
		return onBody(resp.Body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// copyWithProgress copies r to w, reporting cumulative bytes after each
// chunk and honoring cancellation between chunks.
func copyWithProgress(ctx context.Context, w io.Writer, r io.Reader, progress ProgressFunc) error {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.CopyN(w, r, transferChunk)
		total += n
		if progress != nil && n > 0 {
			progress(total)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// progressReader reports progress on reads, for upload bodies.
type progressReader struct {
	r        io.Reader
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.total += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.total)
	}
	return n, err
}

func equalDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
