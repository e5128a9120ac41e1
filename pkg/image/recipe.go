// Package image renders the container recipe proksi ships in and builds and
// verifies the resulting image through the docker engine.
package image

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidRecipe is returned by Render for a recipe that cannot be built.
var ErrInvalidRecipe = errors.New("invalid recipe")

// Recipe describes the runtime image of a single executable.
type Recipe struct {
	BaseImage string
	// Packages are installed without recommended extras
	Packages []string
	// BinarySource is the binary's path inside the build context
	BinarySource string
	// BinaryPath is where the binary lands in the image, it is also the entrypoint
	BinaryPath string
	WorkDir    string
	Ports      []int
	// PurgePaths are removed after installation, shell globs allowed
	PurgePaths []string
}

// DefaultRecipe is the image proksi is released as.
func DefaultRecipe() Recipe {
	return Recipe{
		BaseImage:    "debian:bookworm-slim",
		Packages:     []string{"openssl", "libc6"},
		BinarySource: "proksi",
		BinaryPath:   "/app/proksi",
		WorkDir:      "/app",
		Ports:        []int{80, 443},
		PurgePaths:   []string{"/var/lib/apt/lists/*", "/var/cache/apt/archives/*"},
	}
}

var (
	// debian policy for package names
	packageName = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)
	safePath    = regexp.MustCompile(`^/[A-Za-z0-9_.*/-]+$`)
)

// Validate reports the first problem that would make the recipe unbuildable.
func (r Recipe) Validate() error {
	if strings.TrimSpace(r.BaseImage) == "" || strings.ContainsAny(r.BaseImage, " \t\n") {
		return fmt.Errorf("%w: base image %q", ErrInvalidRecipe, r.BaseImage)
	}
	if len(r.Packages) == 0 {
		return fmt.Errorf("%w: no packages", ErrInvalidRecipe)
	}
	for _, p := range r.Packages {
		if !packageName.MatchString(p) {
			return fmt.Errorf("%w: package name %q", ErrInvalidRecipe, p)
		}
	}
	src := path.Clean(r.BinarySource)
	if r.BinarySource == "" || path.IsAbs(src) || src == "." || strings.HasPrefix(src, "../") || src == ".." {
		return fmt.Errorf("%w: binary source %q must be inside the build context", ErrInvalidRecipe, r.BinarySource)
	}
	if !path.IsAbs(r.WorkDir) {
		return fmt.Errorf("%w: workdir %q is not absolute", ErrInvalidRecipe, r.WorkDir)
	}
	if !path.IsAbs(r.BinaryPath) || path.Dir(path.Clean(r.BinaryPath)) != path.Clean(r.WorkDir) {
		return fmt.Errorf("%w: binary path %q must be directly inside %s", ErrInvalidRecipe, r.BinaryPath, r.WorkDir)
	}
	seen := map[int]bool{}
	for _, p := range r.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidRecipe, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate port %d", ErrInvalidRecipe, p)
		}
		seen[p] = true
	}
	for _, p := range r.PurgePaths {
		if !safePath.MatchString(p) || path.Clean(p) == "/" {
			return fmt.Errorf("%w: purge path %q", ErrInvalidRecipe, p)
		}
	}
	return nil
}

// Render writes the recipe as a Dockerfile.
func Render(r Recipe) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "FROM %s\n\n", r.BaseImage)

	b.WriteString("RUN apt-get update \\\n")
	fmt.Fprintf(&b, "    && apt-get install -y --no-install-recommends %s \\\n", strings.Join(r.Packages, " "))
	b.WriteString("    && apt-get clean")
	if len(r.PurgePaths) > 0 {
		fmt.Fprintf(&b, " \\\n    && rm -rf %s", strings.Join(r.PurgePaths, " "))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "COPY %s %s\n\n", path.Clean(r.BinarySource), r.BinaryPath)
	fmt.Fprintf(&b, "WORKDIR %s\n\n", r.WorkDir)

	if len(r.Ports) > 0 {
		ports := make([]string, 0, len(r.Ports))
		for _, p := range r.Ports {
			ports = append(ports, strconv.Itoa(p))
		}
		fmt.Fprintf(&b, "EXPOSE %s\n\n", strings.Join(ports, " "))
	}

	entrypoint, err := json.Marshal([]string{r.BinaryPath})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "ENTRYPOINT %s\n", entrypoint)
	return b.Bytes(), nil
}

// purgeDir is the directory a purge path empties, "/var/lib/apt/lists/*"
// empties "/var/lib/apt/lists".
func purgeDir(p string) string {
	dir := p
	for strings.ContainsAny(path.Base(dir), "*?[") {
		dir = path.Dir(dir)
	}
	return path.Clean(dir)
}
