package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Record is one durability record recovered from the log: the raw bytes
// passed to WriteRecord, in the order they were written and committed.
//
// This backend always pairs one WriteRecord with one immediate Commit, so
// Replay does not need to reconstruct multi-record transactions; it treats
// every record as committed the instant its trailing checksum validates.
type Record struct {
	Timestamp uint32
	Data      []byte
}

// Replay reads every complete, checksum-valid record from the segment
// files in dir matching the naming scheme described by o, in segment
// order, calling fn for each one. It stops at the first structurally
// incomplete or checksum-mismatched record in the newest segment (a torn
// write left by a crash mid-record) without treating that as an error;
// bytes after that point are considered never durably written.
func Replay(dir string, o Options, fn func(Record) error) error {
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := replaySegment(filepath.Join(dir, name), o, fn); err != nil {
			return fmt.Errorf("wal: replaying %s: %w", name, err)
		}
	}
	return nil
}

func replaySegment(path string, o Options, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var hbuf [segmentHeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil // truncated before a full header was ever written
		}
		return err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(hbuf[:segmentHeaderSize-8])
	storedHeaderChecksum := binary.LittleEndian.Uint64(hbuf[segmentHeaderSize-8:])
	if hash.Sum64() != storedHeaderChecksum {
		return nil // corrupted header, nothing recoverable in this segment
	}
	hash.Write(hbuf[segmentHeaderSize-8 : segmentHeaderSize])

	if binary.LittleEndian.Uint64(hbuf[0:8]) != magic {
		return fmt.Errorf("bad magic")
	}
	if hbuf[8] > version0 {
		return ErrUnsupportedVersion
	}
	if [32]byte(hbuf[32:64]) != o.JournalInvariant {
		return ErrIncompatible
	}

	ts := binary.LittleEndian.Uint32(hbuf[20:24]) // segmentHeader.Timestamp
	for {
		var recHdr [maxRecHeaderLen]byte
		sizeAndFlags, err := binary.ReadUvarint(r)
		if err != nil {
			return nil // clean EOF or a torn header: nothing more to recover
		}
		tsDelta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil
		}
		size := int(sizeAndFlags >> recordFlagShift)

		headerBytes := recHdr[:0]
		headerBytes = binary.AppendUvarint(headerBytes, sizeAndFlags)
		headerBytes = binary.AppendUvarint(headerBytes, tsDelta)

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil // record body never fully landed on disk
		}

		hash.Write(headerBytes)
		hash.Write(data)

		var trailer [8]byte
		if _, err := io.ReadFull(r, trailer[:]); err != nil {
			return nil // no commit trailer: this record was never durable
		}
		// The writer sets the commit flag over bit 0 of the sum itself.
		expected := hash.Sum64() &^ uint64(recordFlagCommit)

		got := trailer
		committed := got[0]&recordFlagCommit != 0
		got[0] &^= recordFlagCommit
		gotSum := binary.LittleEndian.Uint64(got[:])
		if !committed || gotSum != expected {
			return nil // checksum mismatch: torn or corrupted trailer
		}
		hash.Write(trailer[:])
		ts += uint32(tsDelta)

		if err := fn(Record{Timestamp: ts, Data: data}); err != nil {
			return err
		}
	}
}
