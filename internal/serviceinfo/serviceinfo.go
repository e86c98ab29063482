package serviceinfo

// Version is overridden at build time via -ldflags "-X".
var Version = "1.0.0"

// Metadata captures static identifiers for the service.
type Metadata struct {
	Name        string
	BinaryName  string
	Slug        string
	Description string
}

// Info describes the current service.
var Info = Metadata{
	Name:        "Whisper Transcribe API",
	BinaryName:  "transcribe-api",
	Slug:        "whisper-transcribe-api",
	Description: "HTTP speech-to-text service backed by faster-whisper.",
}

// UserAgent identifies outbound calls made by the service and its tools.
func UserAgent() string {
	return Info.BinaryName + "/" + Version
}

// Labels returns the constant labels attached to service-level metrics.
func Labels() map[string]string {
	return map[string]string{
		"service": Info.Slug,
		"version": Version,
	}
}
