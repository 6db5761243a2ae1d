package segments

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xfrr/goffmpeg/transcoder"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// MediaInfo is what a prober could read from a stored payload.
type MediaInfo struct {
	FormatName string        `json:"format_name"`
	AudioCodec string        `json:"audio_codec"`
	Duration   time.Duration `json:"duration"`
}

// Prober inspects a payload. Segments are cut at byte boundaries, so only the
// first segment of a session is expected to carry a container header.
type Prober interface {
	Probe(payload []byte, mimeType string) (*MediaInfo, error)
}

// FFProbeProber runs ffprobe against a temporary copy of the payload.
type FFProbeProber struct {
	logger logging.Logger
}

func NewFFProbeProber(logger logging.Logger) *FFProbeProber {
	return &FFProbeProber{logger: logging.OrNop(logger)}
}

func (p *FFProbeProber) Probe(payload []byte, mimeType string) (*MediaInfo, error) {
	if len(payload) == 0 {
		return nil, NewValidationError("payload", "must not be empty")
	}

	tempDir, err := os.MkdirTemp("", "segment_probe_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	inputFile := filepath.Join(tempDir, "input."+FileExtension(mimeType))
	if err := os.WriteFile(inputFile, payload, 0644); err != nil {
		return nil, fmt.Errorf("failed to write payload file: %w", err)
	}

	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(inputFile, ""); err != nil {
		return nil, fmt.Errorf("failed to probe payload: %w", err)
	}

	metadata := trans.MediaFile().Metadata()
	info := &MediaInfo{FormatName: metadata.Format.FormatName}

	for _, stream := range metadata.Streams {
		if stream.CodecType == "audio" {
			info.AudioCodec = stream.CodecName
			break
		}
	}

	if metadata.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(metadata.Format.Duration, 64); err == nil && seconds > 0 {
			info.Duration = time.Duration(seconds * float64(time.Second))
		}
	}

	p.logger.Debug("Probed payload", "format", info.FormatName, "codec", info.AudioCodec, "duration", info.Duration)
	return info, nil
}

// FileExtension maps a MIME type to a file extension without the dot.
func FileExtension(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/mpeg":
		return "mp3"
	case "audio/mp4", "audio/aac":
		return "m4a"
	case "audio/wav", "audio/x-wav":
		return "wav"
	default:
		return "bin"
	}
}
