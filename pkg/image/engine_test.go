package image

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const dpkgStatus = `Package: libc6
Status: install ok installed
Version: 2.36-9+deb12u4
Description: GNU C Library: Shared libraries
 Contains the standard libraries that are used by nearly all programs on
 the system.

Package: openssl
Status: install ok installed
Version: 3.0.11-1~deb12u2

Package: curl
Status: deinstall ok config-files
`

// fakeEngine answers like an engine that built the default recipe.
type fakeEngine struct {
	buildStream string
	buildCtx    []string
	config      *container.Config
	files       map[string][]byte
	dirs        map[string][]string
	mode        os.FileMode
	removed     []string
}

// tarball builds a tar stream with the given directories and files.
func tarball(files map[string][]byte, dirs ...string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirs {
		_ = tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755})
	}
	for name, body := range files {
		_ = tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
		_, _ = tw.Write(body)
	}
	_ = tw.Close()
	return buf.Bytes()
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeEngine) ImageBuild(_ context.Context, buildContext io.Reader, _ types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		f.buildCtx = append(f.buildCtx, hdr.Name)
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeEngine) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{Config: f.config}, nil, nil
}

func (f *fakeEngine) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeEngine) ContainerStatPath(_ context.Context, _, p string) (types.ContainerPathStat, error) {
	if p != "/app/proksi" || f.mode == 0 {
		return types.ContainerPathStat{}, errdefs.NotFound(errors.New("no such file"))
	}
	return types.ContainerPathStat{Name: "proksi", Mode: f.mode}, nil
}

func (f *fakeEngine) CopyFromContainer(_ context.Context, _, p string) (io.ReadCloser, types.ContainerPathStat, error) {
	if body, ok := f.files[p]; ok {
		return io.NopCloser(bytes.NewReader(body)), types.ContainerPathStat{}, nil
	}
	if entries, ok := f.dirs[p]; ok {
		base := filepath.Base(p)
		files := map[string][]byte{}
		for _, e := range entries {
			files[base+"/"+e] = []byte("x")
		}
		return io.NopCloser(bytes.NewReader(tarball(files, base))), types.ContainerPathStat{}, nil
	}
	return nil, types.ContainerPathStat{}, errdefs.NotFound(errors.New("no such path"))
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func goodConfig() *container.Config {
	return &container.Config{
		ExposedPorts: nat.PortSet{"80/tcp": {}, "443/tcp": {}},
		Entrypoint:   strslice.StrSlice{"/app/proksi"},
		WorkingDir:   "/app",
	}
}

func goodEngine() *fakeEngine {
	return &fakeEngine{
		config: goodConfig(),
		mode:   0o755,
		files:  map[string][]byte{dpkgStatusPath: tarball(map[string][]byte{"status": []byte(dpkgStatus)})},
		dirs:   map[string][]string{"/var/lib/apt/lists": nil, "/var/cache/apt/archives": nil},
	}
}

func writeBinary(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "proksi")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuild(t *testing.T) {
	engine := &fakeEngine{buildStream: `{"stream":"Step 1/6 : FROM debian:bookworm-slim\n"}
{"aux":{"ID":"sha256:1234"}}
{"stream":"Successfully built 1234\n"}
`}
	var progress bytes.Buffer
	b := NewBuilder(engine, zerolog.Nop())
	b.Progress = &progress
	id, err := b.Build(context.Background(), DefaultRecipe(), "proksi:test", writeBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	if id != "sha256:1234" {
		t.Errorf("id = %q", id)
	}
	if !strings.Contains(progress.String(), "Step 1/6") {
		t.Errorf("progress not streamed: %q", progress.String())
	}
	got := strings.Join(engine.buildCtx, ",")
	if !strings.Contains(got, "Dockerfile") || !strings.Contains(got, "proksi") {
		t.Errorf("build context = %v", engine.buildCtx)
	}
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		desc   string
		stream string
		recipe func(*Recipe)
		binary string
	}{
		{desc: "package install fails", stream: `{"stream":"E: Unable to locate package nope\n"}
{"errorDetail":{"code":100,"message":"The command returned a non-zero code: 100"},"error":"The command returned a non-zero code: 100"}
`},
		{desc: "no image id", stream: `{"stream":"done\n"}` + "\n"},
		{desc: "invalid recipe", recipe: func(r *Recipe) { r.Packages = nil }},
		{desc: "missing binary", binary: "/does/not/exist"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			r := DefaultRecipe()
			if tt.recipe != nil {
				tt.recipe(&r)
			}
			bin := tt.binary
			if bin == "" {
				bin = writeBinary(t)
			}
			b := NewBuilder(&fakeEngine{buildStream: tt.stream}, zerolog.Nop())
			id, err := b.Build(context.Background(), r, "proksi:test", bin)
			if !errors.Is(err, ErrBuildFailed) {
				t.Errorf("err = %v, want ErrBuildFailed", err)
			}
			if id != "" {
				t.Errorf("failed build returned id %q", id)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	engine := goodEngine()
	report, err := NewBuilder(engine, zerolog.Nop()).Verify(context.Background(), DefaultRecipe(), "sha256:1234")
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("problems: %v", report.Problems)
	}
	if !report.BinaryExecutable {
		t.Error("binary not executable")
	}
	if len(report.Installed) != 2 {
		t.Errorf("installed = %v", report.Installed)
	}
	if len(engine.removed) != 1 || engine.removed[0] != "c0ffee" {
		t.Errorf("verification container not removed: %v", engine.removed)
	}
}

func TestVerifyProblems(t *testing.T) {
	tests := []struct {
		desc   string
		modify func(*fakeEngine)
		want   string
	}{
		{"binary missing", func(f *fakeEngine) { f.mode = 0 }, "does not exist"},
		{"binary not executable", func(f *fakeEngine) { f.mode = 0o644 }, "not an executable"},
		{"cache left behind", func(f *fakeEngine) { f.dirs["/var/lib/apt/lists"] = []string{"lock", "deb.debian.org_debian_dists_bookworm_InRelease"} }, "2 entries left"},
		{"package missing", func(f *fakeEngine) {
			f.files[dpkgStatusPath] = tarball(map[string][]byte{"status": []byte("Package: libc6\nStatus: install ok installed\n")})
		}, "openssl is not installed"},
		{"extra port", func(f *fakeEngine) { f.config.ExposedPorts["8080/tcp"] = struct{}{} }, "exposed ports"},
		{"default args", func(f *fakeEngine) { f.config.Cmd = strslice.StrSlice{"--help"} }, "default arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			engine := goodEngine()
			tt.modify(engine)
			report, err := NewBuilder(engine, zerolog.Nop()).Verify(context.Background(), DefaultRecipe(), "sha256:1234")
			if err != nil {
				t.Fatal(err)
			}
			if report.OK() || !strings.Contains(strings.Join(report.Problems, "\n"), tt.want) {
				t.Errorf("problems = %v, want one containing %q", report.Problems, tt.want)
			}
		})
	}
}

func TestCheckConfig(t *testing.T) {
	r := DefaultRecipe()
	report := &Report{}
	CheckConfig(r, goodConfig(), report)
	if !report.OK() {
		t.Errorf("problems: %v", report.Problems)
	}

	bad := goodConfig()
	bad.Entrypoint = strslice.StrSlice{"/bin/sh", "-c", "/app/proksi"}
	bad.WorkingDir = "/"
	report = &Report{}
	CheckConfig(r, bad, report)
	if len(report.Problems) != 2 {
		t.Errorf("problems = %v, want entrypoint and workdir", report.Problems)
	}

	report = &Report{}
	CheckConfig(r, nil, report)
	if report.OK() {
		t.Error("nil config accepted")
	}
}

func TestInstalledPackages(t *testing.T) {
	got, err := InstalledPackages(strings.NewReader(dpkgStatus))
	if err != nil {
		t.Fatal(err)
	}
	if !got["libc6"] || !got["openssl"] {
		t.Errorf("installed = %v", got)
	}
	if got["curl"] {
		t.Error("removed package reported installed")
	}
}
