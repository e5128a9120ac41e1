package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog"
)

// ErrBuildFailed wraps every failure of Build. No image id is returned with it.
var ErrBuildFailed = errors.New("image build failed")

// Builder builds and verifies recipes on a docker engine.
type Builder struct {
	Engine Engine
	// Progress receives the build output, discarded when nil
	Progress io.Writer
	Logger   zerolog.Logger
}

// NewBuilder returns a builder using engine.
func NewBuilder(engine Engine, logger zerolog.Logger) *Builder {
	return &Builder{
		Engine: engine,
		Logger: logger.With().Str("service", "image").Logger(),
	}
}

func buildFailed(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBuildFailed, step, err)
}

// prepareContext lays out the Dockerfile and the binary in a fresh directory.
func prepareContext(r Recipe, dockerfile []byte, binaryFile string) (string, error) {
	dir, err := os.MkdirTemp("", "proksi-build-*")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), dockerfile, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	src, err := os.Open(binaryFile)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	defer src.Close()
	dst := filepath.Join(dir, filepath.FromSlash(path.Clean(r.BinarySource)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Build renders r, sends it to the engine with binaryFile as the binary and
// returns the id of the image tagged tag.
func (b *Builder) Build(ctx context.Context, r Recipe, tag, binaryFile string) (string, error) {
	dockerfile, err := Render(r)
	if err != nil {
		return "", buildFailed("render", err)
	}
	dir, err := prepareContext(r, dockerfile, binaryFile)
	if err != nil {
		return "", buildFailed("build context", err)
	}
	defer os.RemoveAll(dir)

	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", buildFailed("build context", err)
	}
	defer tar.Close()

	b.Logger.Info().Str("tag", tag).Str("base", r.BaseImage).Strs("packages", r.Packages).Msg("building image")
	opts := types.ImageBuildOptions{
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	}
	if tag != "" {
		opts.Tags = []string{tag}
	}
	resp, err := b.Engine.ImageBuild(ctx, tar, opts)
	if err != nil {
		return "", buildFailed("send", err)
	}
	defer resp.Body.Close()

	progress := b.Progress
	if progress == nil {
		progress = io.Discard
	}
	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result types.BuildResult
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, progress, 0, false, aux); err != nil {
		return "", buildFailed("build", err)
	}
	if imageID == "" {
		return "", buildFailed("build", errors.New("engine reported no image id"))
	}
	b.Logger.Info().Str("tag", tag).Str("id", imageID).Msg("image built")
	return imageID, nil
}
