package launcher

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resource describes a named artifact the launcher locates and exposes to the
// spawned engine as a property.  Executable resources must be materialized
// with execute permission by the provider.
type Resource struct {
	Name       string
	Basename   string
	Executable bool
}

// resource is a catalog constructor; basename defaults to the name.
func resource(name string) Resource {
	return Resource{Name: name, Basename: name}
}

// ExportedResources is the fixed catalog of resources forwarded to the engine
// as --resource properties when the provider has them.  Absent resources are
// silently skipped; the engine knows its own defaults.
var ExportedResources = []Resource{
	resource("test_runner_classes"),
	resource("log_config_file"),
	{Name: "report_generator", Basename: "report-generator.jar"},
	resource("trace_agent"),
	resource("static_content"),
	resource("build_type_info"),
	{Name: "helper_tool", Basename: "forge-helper", Executable: true},
}

// nativeLibResource is only consulted on darwin, where the engine needs an
// extra native-library search path.
var nativeLibResource = Resource{Name: "native_lib", Basename: "libforgenative.dylib"}

// ResourceProvider locates catalog resources on disk.  Implementations may
// unpack a resource when Path is first called.
type ResourceProvider interface {
	// Has reports whether the resource can be materialized.
	Has(r Resource) bool
	// Path returns an on-disk path for the resource.  For executable
	// resources the returned path already carries execute permission.
	Path(r Resource) (string, error)
}

// DirProvider serves resources from a flat directory by basename.  It is the
// default provider for unpacked installs; packaged builds supply their own.
type DirProvider struct {
	Dir string
}

func (p DirProvider) Has(r Resource) bool {
	if p.Dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(p.Dir, r.Basename))
	return err == nil
}

func (p DirProvider) Path(r Resource) (string, error) {
	path := filepath.Join(p.Dir, r.Basename)
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("resource %s: %w", r.Name, err)
	}
	if r.Executable && fi.Mode()&0o111 == 0 {
		if err := os.Chmod(path, fi.Mode()|0o755); err != nil {
			return "", fmt.Errorf("resource %s: make executable: %w", r.Name, err)
		}
	}
	return path, nil
}
