package launcher

import (
	"strings"

	"streamrelay/internal/job"
)

// Profile controls how relayed media is re-encoded.
type Profile struct {
	Preset       string `mapstructure:"preset"`
	Tune         string `mapstructure:"tune"`
	VideoBitrate string `mapstructure:"video-bitrate"`
	MaxRate      string `mapstructure:"max-rate"`
	BufSize      string `mapstructure:"buf-size"`
	AudioBitrate string `mapstructure:"audio-bitrate"`
}

// DefaultProfile is a fast x264 preset with a bounded bitrate, suitable for
// pushing to consumer live platforms.
func DefaultProfile() Profile {
	return Profile{
		Preset:       "veryfast",
		VideoBitrate: "1200k",
		MaxRate:      "1400k",
		BufSize:      "2000k",
		AudioBitrate: "128k",
	}
}

// LowLatencyProfile trades compression efficiency for latency.
func LowLatencyProfile() Profile {
	p := DefaultProfile()
	p.Preset = "ultrafast"
	p.Tune = "zerolatency"
	return p
}

func (p Profile) withDefaults() Profile {
	def := DefaultProfile()
	if strings.TrimSpace(p.Preset) == "" {
		p.Preset = def.Preset
	}
	if strings.TrimSpace(p.VideoBitrate) == "" {
		p.VideoBitrate = def.VideoBitrate
	}
	if strings.TrimSpace(p.MaxRate) == "" {
		p.MaxRate = def.MaxRate
	}
	if strings.TrimSpace(p.BufSize) == "" {
		p.BufSize = def.BufSize
	}
	if strings.TrimSpace(p.AudioBitrate) == "" {
		p.AudioBitrate = def.AudioBitrate
	}
	return p
}

// BuildArgs returns the ffmpeg arguments (without the binary) that relay spec
// to its destination. It performs no I/O and is deterministic for a given
// spec and profile.
//
// Decryption material that is not exactly keyid:key is left out; the job then
// starts without decryption and fails downstream. Spec.Validate rejects such
// material before a job reaches the builder.
func BuildArgs(spec job.Spec, profile Profile) []string {
	profile = profile.withDefaults()
	args := []string{
		"-y",
		"-analyzeduration", "1000000",
		"-probesize", "1000000",
		"-fflags", "+genpts",
		"-re",
	}
	if material, ok := job.ParseDecryption(spec.Decryption); ok {
		// Per-input options bind to the next -i, so the directive sits
		// directly in front of the source it decrypts.
		args = append(args, "-cenc_decryption_keys", material.KeyID+"="+material.Key)
	}
	args = append(args, "-i", spec.Source)

	args = append(args, "-c:v", "libx264", "-preset", profile.Preset)
	if tune := strings.TrimSpace(profile.Tune); tune != "" {
		args = append(args, "-tune", tune)
	}
	args = append(args,
		"-b:v", profile.VideoBitrate,
		"-maxrate", profile.MaxRate,
		"-bufsize", profile.BufSize,
		"-c:a", "aac",
		"-b:a", profile.AudioBitrate,
	)
	args = append(args, job.KindOf(spec.Destination).OutputArgs(spec.Destination)...)
	return args
}

// PreviewArgs returns the arguments that grab a single frame offset seconds
// into source and write it to out.
func PreviewArgs(source, out, offset string) []string {
	if strings.TrimSpace(offset) == "" {
		offset = "5"
	}
	return []string{
		"-y",
		"-i", source,
		"-vframes", "1",
		"-ss", offset,
		"-q:v", "2",
		out,
	}
}
