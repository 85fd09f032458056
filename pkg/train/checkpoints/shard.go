// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "none"
	default:
		return "unknown"
	}
}

// ErrUnsupportedCompression signifies an error when a compression type is not supported.
var ErrUnsupportedCompression = errors.New("unsupported compression")

// shardHeader starts every shard file, followed by one byte with the length of the compression tag, and the tag.
const shardHeader = "gridtrain_shard"

// Shard is the state owned by one model-parallel coordinate (tensor and pipeline ranks).
// Data-parallel replicas hold identical shards.
type Shard struct {
	// Model holds one blob per model chunk (virtual pipeline stage) of the rank.
	Model [][]byte

	// Optimizer and Scheduler state. Nil if not saved.
	Optimizer, Scheduler []byte
}

// BlobInfo describes one blob of a shard file.
type BlobInfo struct {
	Name   string `json:"name"`
	Pos    int    `json:"pos"`
	Length int    `json:"length"`
}

const (
	blobOptimizer = "optimizer"
	blobScheduler = "scheduler"
)

func modelBlobName(chunk int) string { return fmt.Sprintf("model/%d", chunk) }

// blobs flattens the shard into named blobs.
func (s *Shard) blobs() (names []string, blobs [][]byte) {
	for chunk, b := range s.Model {
		names = append(names, modelBlobName(chunk))
		blobs = append(blobs, b)
	}
	if s.Optimizer != nil {
		names = append(names, blobOptimizer)
		blobs = append(blobs, s.Optimizer)
	}
	if s.Scheduler != nil {
		names = append(names, blobScheduler)
		blobs = append(blobs, s.Scheduler)
	}
	return
}

// encodeShard writes: header, compression tag, then (compressed if requested) a little-endian uint32 with
// the length of the JSON index, the JSON index and the concatenated blobs.
func encodeShard(w io.Writer, shard *Shard, format BinFormat) error {
	if format != BinGZIP && format != BinUncompressed {
		return errors.Wrapf(ErrUnsupportedCompression, "format %d", format)
	}
	tag := format.String()
	header := append([]byte(shardHeader), byte(len(tag)))
	header = append(header, tag...)
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}

	body := w
	var gz *gzip.Writer
	if format == BinGZIP {
		gz = gzip.NewWriter(w)
		body = gz
	}
	names, blobs := shard.blobs()
	index := make([]BlobInfo, len(names))
	pos := 0
	for ii, name := range names {
		index[ii] = BlobInfo{Name: name, Pos: pos, Length: len(blobs[ii])}
		pos += len(blobs[ii])
	}
	indexJSON, err := json.Marshal(index)
	if err != nil {
		return errors.Wrap(err, "encoding shard index")
	}
	if err = binary.Write(body, binary.LittleEndian, uint32(len(indexJSON))); err != nil {
		return errors.Wrap(err, "write index length")
	}
	if _, err = body.Write(indexJSON); err != nil {
		return errors.Wrap(err, "write index")
	}
	for ii, blob := range blobs {
		if _, err = body.Write(blob); err != nil {
			return errors.Wrapf(err, "write blob %q", names[ii])
		}
	}
	if gz != nil {
		return errors.Wrap(gz.Close(), "flushing gzip stream")
	}
	return nil
}

// readShardHeader consumes the header, and returns a reader of the (uncompressed) body.
func readShardHeader(r io.Reader) (io.Reader, BinFormat, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(shardHeader)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, 0, errors.Wrap(err, "reading shard header")
	}
	if string(header[:len(shardHeader)]) != shardHeader {
		return nil, 0, errors.Errorf("not a shard file: invalid header %q", header[:len(shardHeader)])
	}
	tag := make([]byte, header[len(shardHeader)])
	if _, err := io.ReadFull(br, tag); err != nil {
		return nil, 0, errors.Wrap(err, "reading shard compression tag")
	}
	switch string(tag) {
	case BinUncompressed.String():
		return br, BinUncompressed, nil
	case BinGZIP.String():
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, 0, errors.Wrap(err, "opening gzip stream")
		}
		return gz, BinGZIP, nil
	default:
		return nil, 0, errors.Wrapf(ErrUnsupportedCompression, "compression %s", strconv.Quote(string(tag)))
	}
}

func readIndex(body io.Reader) ([]BlobInfo, error) {
	var indexLen uint32
	if err := binary.Read(body, binary.LittleEndian, &indexLen); err != nil {
		return nil, errors.Wrap(err, "reading index length")
	}
	indexJSON := make([]byte, indexLen)
	if _, err := io.ReadFull(body, indexJSON); err != nil {
		return nil, errors.Wrap(err, "reading index")
	}
	var index []BlobInfo
	if err := json.Unmarshal(indexJSON, &index); err != nil {
		return nil, errors.Wrap(err, "decoding index")
	}
	return index, nil
}

// ReadShardIndex returns the compression and the list of blobs of a shard file, without reading the blobs.
func ReadShardIndex(r io.Reader) (BinFormat, []BlobInfo, error) {
	body, format, err := readShardHeader(r)
	if err != nil {
		return 0, nil, err
	}
	index, err := readIndex(body)
	return format, index, err
}

func decodeShard(r io.Reader) (*Shard, error) {
	body, _, err := readShardHeader(r)
	if err != nil {
		return nil, err
	}
	index, err := readIndex(body)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "reading blobs")
	}
	shard := &Shard{}
	for _, info := range index {
		if info.Pos < 0 || info.Length < 0 || info.Pos+info.Length > len(data) {
			return nil, errors.Errorf("blob %q out of bounds [%d, %d) of %d bytes", info.Name, info.Pos,
				info.Pos+info.Length, len(data))
		}
		blob := bytes.Clone(data[info.Pos : info.Pos+info.Length])
		if blob == nil {
			blob = []byte{}
		}
		switch info.Name {
		case blobOptimizer:
			shard.Optimizer = blob
		case blobScheduler:
			shard.Scheduler = blob
		default:
			var chunk int
			if _, err := fmt.Sscanf(info.Name, "model/%d", &chunk); err != nil || chunk != len(shard.Model) {
				return nil, errors.Errorf("unexpected blob %q in shard", info.Name)
			}
			shard.Model = append(shard.Model, blob)
		}
	}
	return shard, nil
}
