package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bryanchriswhite/StillSource/internal/worker"
)

const (
	imagesFile  = "images.json"
	sendersFile = "senders.json"
)

// ImageRecord is the persisted form of an image. Keys follow the layout of
// images.json files written by earlier Still Source releases.
type ImageRecord struct {
	Name string `json:"Name"`
	Code string `json:"Code"`
	Path string `json:"Path"`
}

// SenderRecord is the persisted form of a sender, keyed like senders.json.
// A nested "Source" object in older files is ignored; the image is looked up
// by ImageSourceCode.
type SenderRecord struct {
	Name                 string `json:"Name"`
	Code                 string `json:"Code"`
	ImageSourceCode      string `json:"ImageSourceCode"`
	SendActualFrameRate  bool   `json:"SendActualFrameRate"`
	FrameRateNumerator   int    `json:"FrameRateNumerator"`
	FrameRateDenominator int    `json:"FrameRateDenominator"`
}

// Settings returns the worker settings stored in the record.
func (r SenderRecord) Settings() worker.Settings {
	return worker.Settings{
		FrameRateNumerator:   r.FrameRateNumerator,
		FrameRateDenominator: r.FrameRateDenominator,
		SendActualFrameRate:  r.SendActualFrameRate,
	}
}

// readRecords loads a code-keyed JSON map. A missing file is an empty map.
func readRecords[T any](path string) (map[string]T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]T{}, nil
	}
	if err != nil {
		return nil, err
	}

	records := map[string]T{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// writeRecords replaces path with the JSON encoding of records.
func writeRecords[T any](path string, records map[string]T) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// ReadImageRecords returns the images persisted under root.
func ReadImageRecords(root string) (map[string]ImageRecord, error) {
	return readRecords[ImageRecord](filepath.Join(root, imagesFile))
}

// ReadSenderRecords returns the senders persisted under root.
func ReadSenderRecords(root string) (map[string]SenderRecord, error) {
	return readRecords[SenderRecord](filepath.Join(root, sendersFile))
}
