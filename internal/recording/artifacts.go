package recording

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/renameio/v2"
	"golang.org/x/image/draw"
)

const (
	defaultCategory = "OTHER"
	defaultOperator = "unknown"
	thumbnailDir    = "thumbnails"
	sidecarVersion  = "1.0"
)

// sanitize は英数字・空白・ハイフン・アンダースコアだけを残す
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// layout は録画ファイルの相対パス（拡張子なし）を返す
// <YYYY-MM-DD>/<CATEGORY>/<Operator>/<code>_<unix>
func layout(t time.Time, category, operator, code string) string {
	cat := strings.ToUpper(sanitize(category))
	if cat == "" {
		cat = defaultCategory
	}
	op := sanitize(operator)
	if op == "" {
		op = defaultOperator
	}
	c := strings.ReplaceAll(sanitize(code), " ", "_")
	if c == "" {
		c = "nocode"
	}
	name := c + "_" + strconv.FormatInt(t.Unix(), 10)
	return filepath.ToSlash(filepath.Join(t.Format("2006-01-02"), cat, op, name))
}

// thumbnailRelPath は動画の相対パスからサムネイルの相対パスを決める
func thumbnailRelPath(videoRel string) string {
	sum := md5.Sum([]byte(filepath.ToSlash(videoRel)))
	return filepath.ToSlash(filepath.Join(thumbnailDir, "thumb_"+hex.EncodeToString(sum[:])+".jpg"))
}

// sha256File はファイルのSHA-256を16進文字列で返す
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sidecar は動画の隣に置く証跡メタデータ
type Sidecar struct {
	Evidence struct {
		Version   string `json:"version"`
		CreatedBy string `json:"created_by"`
	} `json:"evidence"`
	Package struct {
		Code     string `json:"code"`
		Category string `json:"category"`
		Operator string `json:"operator"`
	} `json:"package"`
	Video struct {
		FileName        string  `json:"file_name"`
		Format          string  `json:"format"`
		DurationSeconds float64 `json:"duration_seconds"`
		SizeKB          int64   `json:"size_kb"`
		SHA256          string  `json:"sha256"`
		Frames          int     `json:"frames"`
	} `json:"video"`
	Time struct {
		StartedAt string `json:"started_at"`
		EndedAt   string `json:"ended_at"`
		TimeZone  string `json:"time_zone"`
	} `json:"time"`
	Note string `json:"note"`
}

func newSidecar(r *Record) Sidecar {
	var s Sidecar
	s.Evidence.Version = sidecarVersion
	s.Evidence.CreatedBy = "packrec"
	s.Package.Code = r.Code
	s.Package.Category = r.Category
	s.Package.Operator = r.Operator
	s.Video.FileName = filepath.Base(r.OutputPath)
	s.Video.Format = r.Format
	s.Video.DurationSeconds = float64(int64(r.DurationSeconds*100)) / 100
	s.Video.SizeKB = r.SizeBytes / 1024
	s.Video.SHA256 = r.SHA256
	s.Video.Frames = r.FrameCount
	s.Time.StartedAt = r.StartedAt.Format(time.RFC3339)
	if r.EndedAt != nil {
		s.Time.EndedAt = r.EndedAt.Format(time.RFC3339)
	}
	s.Time.TimeZone = r.StartedAt.Location().String()
	s.Note = "SHA-256ハッシュで動画の改ざんがないことを検証できます"
	return s
}

// writeSidecar はサイドカーJSONを原子的に書き込む
func writeSidecar(path string, r *Record) error {
	data, err := json.MarshalIndent(newSidecar(r), "", "  ")
	if err != nil {
		return fmt.Errorf("サイドカーのエンコードに失敗: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("サイドカーの書き込みに失敗: %w", err)
	}
	return nil
}

// writeThumbnail は幅をmaxWidth以下に縮小したJPEGを原子的に書き込む
func writeThumbnail(path string, img image.Image, maxWidth int) error {
	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("サムネイルのエンコードに失敗: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("サムネイルディレクトリの作成に失敗: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("サムネイルの書き込みに失敗: %w", err)
	}
	return nil
}

// removeIfExists はファイルを削除する。存在しなければ何もしない
func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
