// Package storage archives signed documents, envelopes and voided-folio
// reports. Objects are zstd-compressed before they leave the process.
package storage

import (
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/klauspost/compress/zstd"
)

// Content types of archived objects
const (
	ContentTypeXML  = "application/xml"
	ContentTypeJSON = "application/json"
)

const compressedSuffix = ".zst"

// DocumentKey is where a signed document is archived
func DocumentKey(issuerRUT string, docType dte.DocumentType, folio int64) string {
	return path.Join("documents", issuerRUT, docType.Code(), strconv.FormatInt(folio, 10)+".xml")
}

// EnvelopeKey is where a signed envelope is archived
func EnvelopeKey(issuerRUT, setID string) string {
	return path.Join("envelopes", issuerRUT, setID+".xml")
}

// VoidedReportKey is where a voided-folio report is archived
func VoidedReportKey(issuerRUT, cafID string, at time.Time) string {
	return path.Join("voided", issuerRUT, cafID, at.UTC().Format("20060102T150405Z")+".json")
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

// compress returns data as a single zstd frame
func compress(data []byte) []byte {
	encoderOnce.Do(func() {
		// only fails on invalid options
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress object: %w", err)
	}
	return out, nil
}
