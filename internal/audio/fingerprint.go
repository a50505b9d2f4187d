package audio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Fingerprint identifies audio content independently of its path.
type Fingerprint string

// FingerprintFile hashes the file bytes together with the decoded duration and
// sample rate when the input is a WAV file.
func FingerprintFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash audio: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind audio: %w", err)
	}
	dec := wav.NewDecoder(f)
	if dec.IsValidFile() {
		if d, err := dec.Duration(); err == nil {
			fmt.Fprintf(h, "|%d|%d", dec.SampleRate, d.Microseconds())
		}
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// WriteWAV encodes 16-bit PCM samples into w.
func WriteWAV(w io.WriteSeeker, samples []int, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
