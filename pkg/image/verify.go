package image

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const dpkgStatusPath = "/var/lib/dpkg/status"

// Report is the outcome of Verify. Problems is empty for a conforming image.
type Report struct {
	ImageID          string
	BinaryExecutable bool
	ExposedPorts     []string
	Entrypoint       []string
	Cmd              []string
	WorkingDir       string
	// Installed lists the recipe packages dpkg reports installed
	Installed []string
	// Leftovers counts the entries left in each purged directory
	Leftovers map[string]int
	Problems  []string
}

// OK reports whether the image matches the recipe.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// CheckConfig compares the image metadata with the recipe.
func CheckConfig(r Recipe, cfg *container.Config, report *Report) {
	if cfg == nil {
		report.problem("image has no config")
		return
	}
	for p := range cfg.ExposedPorts {
		report.ExposedPorts = append(report.ExposedPorts, string(p))
	}
	sort.Strings(report.ExposedPorts)
	want := make([]string, 0, len(r.Ports))
	for _, p := range r.Ports {
		want = append(want, fmt.Sprintf("%d/tcp", p))
	}
	sort.Strings(want)
	if strings.Join(report.ExposedPorts, ",") != strings.Join(want, ",") {
		report.problem("exposed ports are %v, want %v", report.ExposedPorts, want)
	}

	report.Entrypoint = []string(cfg.Entrypoint)
	report.Cmd = []string(cfg.Cmd)
	if len(cfg.Entrypoint) != 1 || cfg.Entrypoint[0] != r.BinaryPath {
		report.problem("entrypoint is %q, want [%q]", report.Entrypoint, r.BinaryPath)
	}
	if len(cfg.Cmd) != 0 {
		report.problem("image has default arguments %q", report.Cmd)
	}

	report.WorkingDir = cfg.WorkingDir
	if path.Clean(cfg.WorkingDir) != path.Clean(r.WorkDir) {
		report.problem("working dir is %q, want %q", cfg.WorkingDir, r.WorkDir)
	}
}

// InstalledPackages parses a dpkg status file and returns the packages in
// the "install ok installed" state.
func InstalledPackages(status io.Reader) (map[string]bool, error) {
	installed := map[string]bool{}
	var name, state string
	flush := func() {
		if name != "" && state == "install ok installed" {
			installed[name] = true
		}
		name, state = "", ""
	}
	scanner := bufio.NewScanner(status)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok && !strings.HasPrefix(line, " ") {
			switch k {
			case "Package":
				name = strings.TrimSpace(v)
			case "Status":
				state = strings.TrimSpace(v)
			}
		}
	}
	flush()
	return installed, scanner.Err()
}

// countEntries counts the entries of a tar stream of dir, without dir itself.
func countEntries(r io.Reader, dir string) (int, error) {
	root := path.Base(dir)
	tr := tar.NewReader(r)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if strings.TrimSuffix(hdr.Name, "/") == root {
			continue
		}
		n++
	}
}

// readFile extracts the first regular file of a tar stream.
func readFile(r io.Reader) (io.Reader, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return tr, nil
		}
	}
}

// Verify inspects imageID and a stopped container created from it, and
// checks the image against r. Engine failures are returned as errors,
// mismatches are listed in the report.
func (b *Builder) Verify(ctx context.Context, r Recipe, imageID string) (*Report, error) {
	report := &Report{ImageID: imageID, Leftovers: map[string]int{}}
	inspect, _, err := b.Engine.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", imageID, err)
	}
	CheckConfig(r, inspect.Config, report)

	created, err := b.Engine.ContainerCreate(ctx, &container.Config{Image: imageID}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating a container from %s: %w", imageID, err)
	}
	defer func() {
		if err := b.Engine.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			b.Logger.Warn().Err(err).Str("container", created.ID).Msg("could not remove verification container")
		}
	}()

	stat, err := b.Engine.ContainerStatPath(ctx, created.ID, r.BinaryPath)
	switch {
	case client.IsErrNotFound(err):
		report.problem("%s does not exist", r.BinaryPath)
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", r.BinaryPath, err)
	default:
		report.BinaryExecutable = stat.Mode.IsRegular() && stat.Mode.Perm()&0o111 != 0
		if !report.BinaryExecutable {
			report.problem("%s is not an executable file (mode %s)", r.BinaryPath, stat.Mode)
		}
	}

	if err := b.checkPackages(ctx, created.ID, r, report); err != nil {
		return nil, err
	}
	for _, p := range r.PurgePaths {
		if err := b.checkPurged(ctx, created.ID, purgeDir(p), report); err != nil {
			return nil, err
		}
	}
	b.Logger.Info().Str("id", imageID).Bool("ok", report.OK()).Strs("problems", report.Problems).Msg("image verified")
	return report, nil
}

func (b *Builder) checkPackages(ctx context.Context, containerID string, r Recipe, report *Report) error {
	rc, _, err := b.Engine.CopyFromContainer(ctx, containerID, dpkgStatusPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dpkgStatusPath, err)
	}
	defer rc.Close()
	status, err := readFile(rc)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dpkgStatusPath, err)
	}
	installed, err := InstalledPackages(status)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", dpkgStatusPath, err)
	}
	for _, p := range r.Packages {
		if installed[p] {
			report.Installed = append(report.Installed, p)
		} else {
			report.problem("package %s is not installed", p)
		}
	}
	return nil
}

func (b *Builder) checkPurged(ctx context.Context, containerID, dir string, report *Report) error {
	rc, _, err := b.Engine.CopyFromContainer(ctx, containerID, dir)
	if client.IsErrNotFound(err) {
		report.Leftovers[dir] = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	defer rc.Close()
	n, err := countEntries(rc, dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	report.Leftovers[dir] = n
	if n > 0 {
		report.problem("%s has %d entries left", dir, n)
	}
	return nil
}
