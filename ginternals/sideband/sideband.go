// Package sideband contains methods and structs to multiplex the
// server output over the side-band-64k channels.
// Band 1 carries the protocol data (the report), band 2 carries
// human-readable progress, band 3 carries a fatal error and ends
// the stream.
// https://git-scm.com/docs/protocol-capabilities#_side_band_side_band_64k
package sideband

import (
	"io"
	"sync"
	"time"

	"github.com/Nivl/git-receive/ginternals/pktline"
	"golang.org/x/xerrors"
)

// List of the side-band channels
const (
	// BandData is the channel carrying protocol packets
	BandData = 1
	// BandProgress is the channel carrying progress messages
	BandProgress = 2
	// BandFatal is the channel carrying a fatal error
	BandFatal = 3
)

// MaxSidebandPayload is the maximum amount of bytes a single band-1 or
// band-2 packet can carry. The length prefix and the band byte use 5 of
// the 65520 bytes of a packet
const MaxSidebandPayload = pktline.MaxPayloadLen - 1

// Muxer fans the server output over the negotiated side-band channels.
// When side-band-64k hasn't been negotiated the Muxer degrades to
// writing protocol data directly on the stream, discarding progress.
//
// All writes are serialized: a packet from one band never interleaves
// inside a packet of another
type Muxer struct {
	w       io.Writer
	pktw    *pktline.Writer
	enabled bool
	quiet   bool

	mu           sync.Mutex
	reportActive bool
	lastProgress time.Time
}

// New returns a Muxer writing to w.
// enabled states whether side-band-64k is in effect, quiet suppresses
// progress output without suppressing the other bands
func New(w io.Writer, enabled, quiet bool) *Muxer {
	return &Muxer{
		w:       w,
		pktw:    pktline.NewWriter(w),
		enabled: enabled,
		quiet:   quiet,
	}
}

// Enabled returns whether side-band-64k is in effect
func (m *Muxer) Enabled() bool {
	return m.enabled
}

// writeBand writes p on the given band, chunked so no packet payload
// exceeds MaxSidebandPayload. The caller must hold m.mu
func (m *Muxer) writeBand(band byte, p []byte) error {
	for first := true; first || len(p) > 0; first = false {
		chunk := p
		if len(chunk) > MaxSidebandPayload {
			chunk = chunk[:MaxSidebandPayload]
		}
		p = p[len(chunk):]

		frame := make([]byte, 1+len(chunk))
		frame[0] = band
		copy(frame[1:], chunk)
		if err := m.pktw.WritePacket(frame); err != nil {
			return err
		}
	}
	return nil
}

// Data writes p on band 1.
// Without side-band, p is written on the stream as-is
func (m *Muxer) Data(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		_, err := m.w.Write(p)
		return err
	}
	return m.writeBand(BandData, p)
}

// Progress writes p on band 2.
// Progress is dropped when side-band is off, when quiet has been
// negotiated, or while a report sequence is being written: band-2
// bytes must never land between the first and last packet of the
// report
func (m *Muxer) Progress(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled || m.quiet || m.reportActive || len(p) == 0 {
		return nil
	}
	m.lastProgress = time.Now()
	return m.writeBand(BandProgress, p)
}

// Fatal writes msg on band 3 and terminates the stream with a flush.
// Without side-band the message is written as a plain error packet
func (m *Muxer) Fatal(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		if err := m.pktw.WriteString("error: " + msg + "\n"); err != nil {
			return err
		}
		return m.pktw.Flush()
	}

	frame := make([]byte, 0, 1+len(msg)+1)
	frame = append(frame, BandFatal)
	frame = append(frame, msg...)
	frame = append(frame, '\n')
	if err := m.pktw.WritePacket(frame); err != nil {
		return xerrors.Errorf("could not write fatal packet: %w", err)
	}
	return m.pktw.Flush()
}

// BeginReport marks the start of the report sequence, locking out
// band-2 traffic until EndReport
func (m *Muxer) BeginReport() {
	m.mu.Lock()
	m.reportActive = true
	m.mu.Unlock()
}

// EndReport marks the end of the report sequence
func (m *Muxer) EndReport() {
	m.mu.Lock()
	m.reportActive = false
	m.mu.Unlock()
}

// Flush writes a flush sentinel on the stream
func (m *Muxer) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pktw.Flush()
}

// DataWriter returns an io.Writer that forwards everything to Data.
// The report writer uses it to frame its packets inside band 1
func (m *Muxer) DataWriter() io.Writer {
	return dataWriter{m}
}

type dataWriter struct{ m *Muxer }

func (w dataWriter) Write(p []byte) (int, error) {
	if err := w.m.Data(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ProgressWriter returns an io.Writer that forwards everything to
// Progress. Handy for hook output and pack ingest progress
func (m *Muxer) ProgressWriter() io.Writer {
	return progressWriter{m}
}

type progressWriter struct{ m *Muxer }

func (w progressWriter) Write(p []byte) (int, error) {
	if err := w.m.Progress(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// StartKeepalive starts emitting empty band-2 packets whenever the
// stream has been idle for at least interval. An empty band-2 packet
// carries no visible output but keeps intermediaries from dropping the
// connection. Keepalives are suppressed while a progress packet was
// emitted within the window, while the report is being written, and
// entirely when side-band is off.
// The returned function stops the emitter and must be called before
// the session ends
func (m *Muxer) StartKeepalive(interval time.Duration) (stop func()) {
	if !m.enabled || interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.keepalive(interval)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (m *Muxer) keepalive(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reportActive || time.Since(m.lastProgress) < interval {
		return
	}
	m.lastProgress = time.Now()
	// an empty payload on band 2
	m.pktw.WritePacket([]byte{BandProgress}) //nolint:errcheck // a failed keepalive surfaces on the next real write
}
