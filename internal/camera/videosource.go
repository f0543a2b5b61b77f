package camera

import (
	"context"
	"fmt"
	"strconv"
)

// FrameSource は開かれたビデオソース
// ReadFrame は1枚分のJPEGを返す
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// OpenStrategy はソースを開く方法のひとつ
type OpenStrategy struct {
	Name string
	Open func(ctx context.Context) (FrameSource, error)
}

// Opener はソースキーに対する戦略リストを順序付きで返す
type Opener interface {
	Strategies(key SourceKey) []OpenStrategy
}

// FFmpegOpener はffmpegサブプロセスでソースを開く
type FFmpegOpener struct {
	Path   string
	Width  int
	Height int
	FPS    int
}

// NewFFmpegOpener は設定からFFmpegOpenerを作成する
func NewFFmpegOpener(cfg Config) *FFmpegOpener {
	fps := 0
	for _, p := range cfg.Profiles {
		if p.FPS > fps {
			fps = p.FPS
		}
	}
	if fps == 0 {
		fps = DefaultProfiles[ModeRecord].FPS
	}
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegOpener{Path: path, Width: cfg.Width, Height: cfg.Height, FPS: fps}
}

// Strategies はローカルデバイスならv4l2、ネットワークならURL直接の順で返す
func (o *FFmpegOpener) Strategies(key SourceKey) []OpenStrategy {
	output := []string{"-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-"}
	fps := strconv.Itoa(o.FPS)

	if key.IsDevice() {
		device := key.DevicePath()
		size := fmt.Sprintf("%dx%d", o.Width, o.Height)
		return []OpenStrategy{
			o.strategy("v4l2-mjpeg", append([]string{
				"-f", "v4l2", "-input_format", "mjpeg", "-video_size", size, "-framerate", fps, "-i", device,
			}, output...)),
			o.strategy("v4l2-default", append([]string{
				"-f", "v4l2", "-i", device, "-r", fps,
			}, output...)),
		}
	}

	url := key.String()
	var list []OpenStrategy
	if key.IsRTSP() {
		list = append(list, o.strategy("rtsp-tcp", append([]string{
			"-rtsp_transport", "tcp", "-i", url, "-r", fps,
		}, output...)))
	}
	list = append(list, o.strategy("url", append([]string{
		"-i", url, "-r", fps,
	}, output...)))
	return list
}

func (o *FFmpegOpener) strategy(name string, args []string) OpenStrategy {
	base := []string{"-hide_banner", "-loglevel", "error"}
	full := append(base, args...)
	return OpenStrategy{
		Name: name,
		Open: func(_ context.Context) (FrameSource, error) {
			return startFFmpegSource(o.Path, full)
		},
	}
}
