package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// LoadManifest parses the bundle manifest from the given directory.
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("manifest decode: %w", err)
	}
	if manifest.Version != 1 {
		return Manifest{}, fmt.Errorf("unsupported bundle version %d", manifest.Version)
	}
	return manifest, nil
}

// ReadEvents replays the broadcast event log from a bundle directory.
func ReadEvents(dir string) ([]EventRecord, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	//1.- Stream line by line through the snappy frame reader.
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var events []EventRecord
	for scanner.Scan() {
		var record EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("event decode: %w", err)
		}
		events = append(events, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadDeliveries replays the per-target delivery log from a bundle directory.
func ReadDeliveries(dir string) ([]DeliveryRecord, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.DeliveriesPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	reader := bufio.NewReader(decoder)
	var records []DeliveryRecord
	for {
		record, err := readDelivery(reader)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
}

func readDelivery(reader *bufio.Reader) (DeliveryRecord, error) {
	var header [16]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return DeliveryRecord{}, fmt.Errorf("truncated delivery header")
		}
		return DeliveryRecord{}, err
	}
	record := DeliveryRecord{
		CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[0:8]))).UTC(),
		Latency:    time.Duration(binary.LittleEndian.Uint64(header[8:16])),
	}
	for _, field := range []*string{&record.Target, &record.MsgID, &record.Outcome} {
		value, err := readField(reader)
		if err != nil {
			return DeliveryRecord{}, err
		}
		*field = value
	}
	return record, nil
}

func readField(reader *bufio.Reader) (string, error) {
	var size [4]byte
	if _, err := io.ReadFull(reader, size[:]); err != nil {
		return "", fmt.Errorf("truncated delivery field: %w", err)
	}
	length := binary.LittleEndian.Uint32(size[:])
	if length > 1<<20 {
		return "", fmt.Errorf("implausible delivery field length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", fmt.Errorf("truncated delivery field: %w", err)
	}
	return string(buf), nil
}
