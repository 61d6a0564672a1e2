package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// Package is an installable package with an optional pinned version.
type Package struct {
	Name    string           `json:"name"`
	Version *version.Version `json:"-"`
	Raw     string           `json:"spec"`
}

// ParsePackage parses "name", "name==1.2.3" or "name@1.2.3".
func ParsePackage(spec string) (Package, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Package{}, fmt.Errorf("empty package spec")
	}

	name, ver := spec, ""
	if i := strings.Index(spec, "=="); i >= 0 {
		name, ver = spec[:i], spec[i+2:]
	} else if i := strings.LastIndex(spec, "@"); i > 0 {
		name, ver = spec[:i], spec[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t/\\") {
		return Package{}, fmt.Errorf("invalid package name in %q", spec)
	}

	pkg := Package{Name: name, Raw: spec}
	if ver = strings.TrimSpace(ver); ver != "" {
		v, err := version.NewVersion(ver)
		if err != nil {
			return Package{}, fmt.Errorf("invalid version in %q: %w", spec, err)
		}
		pkg.Version = v
	}
	return pkg, nil
}

// String renders the package in pip form ("name==1.2.3").
func (p Package) String() string {
	if p.Version == nil {
		return p.Name
	}
	return p.Name + "==" + p.Version.Original()
}

// VersionString returns the original version text or "".
func (p Package) VersionString() string {
	if p.Version == nil {
		return ""
	}
	return p.Version.Original()
}

// SortPackages orders packages by name, then version.
func SortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}
		if pkgs[i].Version == nil || pkgs[j].Version == nil {
			return pkgs[i].Version == nil && pkgs[j].Version != nil
		}
		return pkgs[i].Version.LessThan(pkgs[j].Version)
	})
}
