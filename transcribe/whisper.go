package transcribe

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WhisperCLI shells out to a whisper.cpp-style binary per chunk. Samples are
// written as a temporary 16-bit PCM WAV since that is the one input format
// every build accepts.
type WhisperCLI struct {
	// Path is the transcriber binary. ModelPath may be empty when the binary
	// embeds or defaults its model.
	Path      string
	ModelPath string
}

// Load verifies the binary is present. A missing binary or model is a
// permanent failure; callers treat it as fatal.
func (w *WhisperCLI) Load(ctx context.Context) error {
	if w.Path == "" {
		return fmt.Errorf("transcriber binary not configured")
	}
	if _, err := exec.LookPath(w.Path); err != nil {
		return fmt.Errorf("transcriber binary: %w", err)
	}
	if w.ModelPath != "" {
		if _, err := os.Stat(w.ModelPath); err != nil {
			return fmt.Errorf("transcriber model: %w", err)
		}
	}
	return nil
}

// Transcribe runs one chunk through the CLI and returns its stdout.
func (w *WhisperCLI) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	f, err := os.CreateTemp("", "chunk-*.wav")
	if err != nil {
		return "", fmt.Errorf("temp wav: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := writeWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	args := []string{"--no-timestamps", "-f", path}
	if w.ModelPath != "" {
		args = append([]string{"-m", w.ModelPath}, args...)
	}
	out, err := exec.CommandContext(ctx, w.Path, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", filepath.Base(w.Path), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// writeWAV emits a minimal mono 16-bit PCM RIFF file.
func writeWAV(f *os.File, samples []float32, sampleRate int) error {
	dataLen := 2 * len(samples)
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], 1) // mono
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(dataLen))
	if _, err := f.Write(header); err != nil {
		return err
	}

	buf := make([]byte, dataLen)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	_, err := f.Write(buf)
	return err
}
