// Package wire implements the server sync protocol's message framing:
// a tiny tagged-union set (Login, Inputs, Coverage, ReportStatistics,
// SyncComplete) over a little-endian, length-prefixed byte stream.
// There's no justification for pulling in a general-purpose
// serialization library for five fixed, simple message shapes — see
// the design notes for why this stays hand-rolled rather than reach
// for protobuf or gob.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/falklabs/snapfuzz/internal/coverage"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/util"
)

// Tag identifies which message shape a frame carries.
type Tag uint8

const (
	TagLogin Tag = iota + 1
	TagInputs
	TagCoverage
	TagReportStatistics
	TagSyncComplete
)

// LoginMsg identifies the connecting worker to the server.
type LoginMsg struct {
	SessionID uint64
	CpuID     uint64
}

// InputsMsg carries newly discovered corpus entries.
type InputsMsg struct {
	Inputs [][]byte
}

// CoverageMsg carries newly discovered coverage points.
type CoverageMsg struct {
	Points []coverage.Key
}

// ReportStatisticsMsg carries the session's current statistics
// snapshot plus the host's global allocator counters.
type ReportStatisticsMsg struct {
	Counters stats.Counters
	Alloc    stats.AllocCounters
}

// Message is the tagged union of every message this protocol sends;
// only the field matching Tag is meaningful, mirroring the same
// tagged-struct style the VM-exit type uses.
type Message struct {
	Tag      Tag
	Login    LoginMsg
	Inputs   InputsMsg
	Coverage CoverageMsg
	Stats    ReportStatisticsMsg
}

// WriteMessage frames and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	var payload []byte
	switch m.Tag {
	case TagLogin:
		payload = encodeLogin(m.Login)
	case TagInputs:
		payload = encodeInputs(m.Inputs)
	case TagCoverage:
		payload = encodeCoverage(m.Coverage)
	case TagReportStatistics:
		payload = encodeStatistics(m.Stats)
	case TagSyncComplete:
		payload = nil
	default:
		return fmt.Errorf("wire: unknown message tag %d", m.Tag)
	}
	header := make([]byte, 5)
	header[0] = byte(m.Tag)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads and decodes one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	tag := Tag(header[0])
	n := binary.LittleEndian.Uint32(header[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}

	switch tag {
	case TagLogin:
		m, err := decodeLogin(payload)
		return Message{Tag: tag, Login: m}, err
	case TagInputs:
		m, err := decodeInputs(payload)
		return Message{Tag: tag, Inputs: m}, err
	case TagCoverage:
		m, err := decodeCoverage(payload)
		return Message{Tag: tag, Coverage: m}, err
	case TagReportStatistics:
		s, err := decodeStatistics(payload)
		return Message{Tag: tag, Stats: s}, err
	case TagSyncComplete:
		return Message{Tag: tag}, nil
	default:
		return Message{}, fmt.Errorf("wire: unknown message tag %d", tag)
	}
}

func encodeLogin(m LoginMsg) []byte {
	buf := make([]byte, 16)
	util.Write64(buf, 0, m.SessionID)
	util.Write64(buf, 8, m.CpuID)
	return buf
}

func decodeLogin(b []byte) (LoginMsg, error) {
	if len(b) != 16 {
		return LoginMsg{}, fmt.Errorf("wire: login payload is %d bytes, want 16", len(b))
	}
	return LoginMsg{SessionID: util.Read64(b, 0), CpuID: util.Read64(b, 8)}, nil
}

func encodeInputs(m InputsMsg) []byte {
	buf := make([]byte, 4)
	util.Write32(buf, 0, uint32(len(m.Inputs)))
	for _, in := range m.Inputs {
		lenBuf := make([]byte, 4)
		util.Write32(lenBuf, 0, uint32(len(in)))
		buf = append(buf, lenBuf...)
		buf = append(buf, in...)
	}
	return buf
}

func decodeInputs(b []byte) (InputsMsg, error) {
	if len(b) < 4 {
		return InputsMsg{}, fmt.Errorf("wire: truncated inputs message")
	}
	count := util.Read32(b, 0)
	off := 4
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return InputsMsg{}, fmt.Errorf("wire: truncated inputs message at entry %d", i)
		}
		n := int(util.Read32(b, off))
		off += 4
		if off+n > len(b) {
			return InputsMsg{}, fmt.Errorf("wire: truncated inputs message body at entry %d", i)
		}
		entry := make([]byte, n)
		copy(entry, b[off:off+n])
		out = append(out, entry)
		off += n
	}
	return InputsMsg{Inputs: out}, nil
}

func encodeCoverage(m CoverageMsg) []byte {
	buf := make([]byte, 4)
	util.Write32(buf, 0, uint32(len(m.Points)))
	for _, p := range m.Points {
		modLen := make([]byte, 4)
		util.Write32(modLen, 0, uint32(len(p.Module)))
		buf = append(buf, modLen...)
		buf = append(buf, p.Module...)
		offBuf := make([]byte, 8)
		util.Write64(offBuf, 0, p.Offset)
		buf = append(buf, offBuf...)
	}
	return buf
}

func decodeCoverage(b []byte) (CoverageMsg, error) {
	if len(b) < 4 {
		return CoverageMsg{}, fmt.Errorf("wire: truncated coverage message")
	}
	count := util.Read32(b, 0)
	off := 4
	out := make([]coverage.Key, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return CoverageMsg{}, fmt.Errorf("wire: truncated coverage message at entry %d", i)
		}
		modLen := int(util.Read32(b, off))
		off += 4
		if off+modLen+8 > len(b) {
			return CoverageMsg{}, fmt.Errorf("wire: truncated coverage message body at entry %d", i)
		}
		module := string(b[off : off+modLen])
		off += modLen
		offset := util.Read64(b, off)
		off += 8
		out = append(out, coverage.Key{Module: module, Offset: offset})
	}
	return CoverageMsg{Points: out}, nil
}

func encodeStatistics(m ReportStatisticsMsg) []byte {
	c, a := m.Counters, m.Alloc
	buf := make([]byte, 72)
	util.Write64(buf, 0, c.FuzzCases)
	util.Write64(buf, 8, c.ResetCycles)
	util.Write64(buf, 16, c.TotalCycles)
	util.Write64(buf, 24, c.VmCycles)
	util.Write64(buf, 32, c.VmExits)
	util.Write64(buf, 40, a.Allocs)
	util.Write64(buf, 48, a.Frees)
	util.Write64(buf, 56, a.PhysFree)
	util.Write64(buf, 64, a.PhysTotal)
	return buf
}

func decodeStatistics(b []byte) (ReportStatisticsMsg, error) {
	if len(b) != 72 {
		return ReportStatisticsMsg{}, fmt.Errorf("wire: statistics payload is %d bytes, want 72", len(b))
	}
	return ReportStatisticsMsg{
		Counters: stats.Counters{
			FuzzCases:   util.Read64(b, 0),
			ResetCycles: util.Read64(b, 8),
			TotalCycles: util.Read64(b, 16),
			VmCycles:    util.Read64(b, 24),
			VmExits:     util.Read64(b, 32),
		},
		Alloc: stats.AllocCounters{
			Allocs:    util.Read64(b, 40),
			Frees:     util.Read64(b, 48),
			PhysFree:  util.Read64(b, 56),
			PhysTotal: util.Read64(b, 64),
		},
	}, nil
}
