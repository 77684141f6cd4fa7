package ffmpeg

// VideoInfo contains metadata about a video file
type VideoInfo struct {
	FilePath   string
	Duration   float64
	Width      int
	Height     int
	FPS        float64
	Frames     int
	VideoCodec string
	HasAudio   bool
	AudioCodec string
	SampleRate int
}
