// Package appkg assembles search application packages: the opaque schema and
// services files plus the deployment configuration and validation overrides
// the lifecycle controller has to manipulate.
package appkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	DeploymentFile          = "deployment.xml"
	ValidationOverridesFile = "validation-overrides.xml"

	// DeploymentRemoval is the validation id that authorizes removing a
	// production deployment.
	DeploymentRemoval = "deployment-removal"

	overrideDateLayout = "2006-01-02"
)

type DeploymentConfig struct {
	Environment string
	Regions     []string
	// Empty renders a deployment.xml without any zones, which removes every
	// existing deployment of the instance.
	Empty bool
}

func (d DeploymentConfig) rendered() bool {
	return d.Empty || d.Environment != ""
}

type Validation struct {
	ID    string
	Until string
}

// ContentCluster names one content collection and the document type it
// stores. An empty Namespace means the document type doubles as namespace.
type ContentCluster struct {
	ID           string
	DocumentType string
	Namespace    string
}

type Package struct {
	Name            string
	Files           map[string][]byte
	Deployment      DeploymentConfig
	Validations     []Validation
	ContentClusters []ContentCluster
}

// Clone returns a deep copy of p. File contents are shared since nothing
// writes to them in place.
func (p *Package) Clone() *Package {
	out := *p
	out.Files = make(map[string][]byte, len(p.Files))
	for name, content := range p.Files {
		out.Files[name] = content
	}
	out.Deployment.Regions = append([]string(nil), p.Deployment.Regions...)
	out.Validations = append([]Validation(nil), p.Validations...)
	out.ContentClusters = append([]ContentCluster(nil), p.ContentClusters...)
	return &out
}

// RemovalPackage returns a new package that removes the deployment described
// by p. For prod it carries a deployment-removal override dated leadDays
// after now so the control plane accepts the change.
func RemovalPackage(p *Package, prod bool, now time.Time, leadDays int) *Package {
	files := make(map[string][]byte, len(p.Files))
	for name, content := range p.Files {
		files[name] = content
	}
	delete(files, DeploymentFile)
	delete(files, ValidationOverridesFile)
	out := &Package{
		Name:            p.Name,
		Files:           files,
		Deployment:      DeploymentConfig{Empty: true},
		ContentClusters: append([]ContentCluster(nil), p.ContentClusters...),
	}
	if prod {
		out.Validations = []Validation{{ID: DeploymentRemoval, Until: OverrideDate(now, leadDays)}}
	}
	return out
}

// OverrideDate formats the UTC date leadDays after now. The control plane
// compares override dates against the current UTC day, so the result is
// always a later UTC calendar day than now whatever location now is in.
func OverrideDate(now time.Time, leadDays int) string {
	if leadDays < 1 {
		leadDays = 1
	}
	return now.UTC().AddDate(0, 0, leadDays).Format(overrideDateLayout)
}

type xmlRegion struct {
	Name string `xml:",chardata"`
}

type xmlZone struct {
	Regions []xmlRegion `xml:"region"`
}

type xmlDeployment struct {
	XMLName xml.Name `xml:"deployment"`
	Version string   `xml:"version,attr"`
	Prod    *xmlZone `xml:"prod,omitempty"`
}

type xmlAllow struct {
	Until string `xml:"until,attr"`
	ID    string `xml:",chardata"`
}

type xmlOverrides struct {
	XMLName xml.Name   `xml:"validation-overrides"`
	Allow   []xmlAllow `xml:"allow"`
}

func (d DeploymentConfig) marshal() ([]byte, error) {
	doc := xmlDeployment{Version: "1.0"}
	if !d.Empty && d.Environment == "prod" {
		zone := &xmlZone{}
		for _, r := range d.Regions {
			zone.Regions = append(zone.Regions, xmlRegion{Name: r})
		}
		doc.Prod = zone
	}
	return marshalXML(doc)
}

func marshalOverrides(vs []Validation) ([]byte, error) {
	doc := xmlOverrides{}
	for _, v := range vs {
		doc.Allow = append(doc.Allow, xmlAllow{Until: v.Until, ID: v.ID})
	}
	return marshalXML(doc)
}

func marshalXML(v interface{}) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// Contents returns every file of the package, including the generated
// deployment and validation files, keyed by slash-separated relative path.
func (p *Package) Contents() (map[string][]byte, error) {
	out := make(map[string][]byte, len(p.Files)+2)
	for name, content := range p.Files {
		out[filepath.ToSlash(name)] = content
	}
	if p.Deployment.rendered() {
		b, err := p.Deployment.marshal()
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", DeploymentFile, err)
		}
		out[DeploymentFile] = b
	}
	if len(p.Validations) > 0 {
		b, err := marshalOverrides(p.Validations)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", ValidationOverridesFile, err)
		}
		out[ValidationOverridesFile] = b
	}
	return out, nil
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stage writes the package below dir.
func (p *Package) Stage(dir string) error {
	files, err := p.Contents()
	if err != nil {
		return err
	}
	for _, name := range sortedNames(files) {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("package file %q escapes staging dir", name)
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, files[name], 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Zip archives the package in the layout the control plane expects.
func (p *Package) Zip() ([]byte, error) {
	files, err := p.Contents()
	if err != nil {
		return nil, err
	}
	return zipFiles(files)
}

// ZipDir archives a directory written by Stage. For a staged package the
// result is byte-identical to the package's Zip.
func ZipDir(dir string) ([]byte, error) {
	files, err := readTree(dir)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", dir, err)
	}
	return zipFiles(files)
}

func zipFiles(files map[string][]byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, name := range sortedNames(files) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Digest(zipped []byte) string {
	sum := sha256.Sum256(zipped)
	return hex.EncodeToString(sum[:])
}

// LoadDir reads an application package from disk. Generated files found in the
// directory are kept as opaque content unless the caller sets Deployment or
// Validations, which take precedence when rendering.
func LoadDir(dir string) (*Package, error) {
	files, err := readTree(dir)
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("load package %s: no files", dir)
	}
	return &Package{Name: filepath.Base(dir), Files: files}, nil
}

// readTree reads every file below dir, skipping hidden directories.
func readTree(dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
