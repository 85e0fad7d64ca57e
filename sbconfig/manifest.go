package sbconfig

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gravwell/gcfg"

	"github.com/sandboxreport/sandboxcore/policy"
)

// maxManifestSize mirrors the teacher's config-file size guard
// (config/loader.go's maxConfigSize), sized down since a manifest
// description carries one pip's invocation, not a whole ingester's
// sprawling config block.
const maxManifestSize int64 = 1 << 20

var (
	ErrManifestTooLarge = errors.New("sbconfig: manifest description file is too large")
	ErrFailedFileRead   = errors.New("sbconfig: failed to read entire manifest description")
)

// manifestDescription is the gcfg-flavoured on-disk shape of one
// SandboxedProcessInfo, grounded on the teacher's config/loader.go
// LoadConfigFile/LoadConfigBytes pattern (gcfg.ReadStringInto over a
// size-guarded read) rather than a generic struct-tag config library.
type manifestDescription struct {
	Global struct {
		File                              string
		WorkingDirectory                  string
		Argument                          []string
		Timeout                           string
		NestedProcessTerminationTimeout   string
		AllowedSurvivingChildProcessName  []string
		TimeoutDumpDirectory              string
		SidebandRoot                      string
		WriteScopeRoot                    []string
		MaxInlineOutputLength             int
	}
	EnvironmentVariable map[string]*struct {
		Value string
	}
}

// LoadManifestFile reads a manifest description from p and folds it
// into a SandboxedProcessInfo carrying manifest. A ".json" extension
// selects the JSON description (loadManifestJSONBytes); anything else
// is read as gcfg (loadManifestBytes). The policy tree itself is not
// part of the on-disk description — it is built separately
// (policy.Manifest is constructed programmatically or deserialised from
// policy.Deserialize) and passed in by the caller, since cmd/sandboxrun
// is the only caller expected to load either piece from disk.
func LoadManifestFile(p string, manifest *policy.Manifest) (*SandboxedProcessInfo, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := fin.Stat()
	if err != nil {
		fin.Close()
		return nil, err
	}
	if fi.Size() > maxManifestSize {
		fin.Close()
		return nil, ErrManifestTooLarge
	}

	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		fin.Close()
		return nil, err
	}
	if n != fi.Size() {
		fin.Close()
		return nil, ErrFailedFileRead
	}
	if err := fin.Close(); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(p), ".json") {
		return loadManifestJSONBytes(bb.Bytes(), manifest)
	}
	return loadManifestBytes(bb.Bytes(), manifest)
}

// jsonManifestDescription is the JSON-flavoured alternative to
// manifestDescription, for hosts that prefer shipping the manifest
// description alongside a JSON-serialized policy.Manifest rather than
// as a gcfg block.
type jsonManifestDescription struct {
	File                              string            `json:"file"`
	Arguments                         []string          `json:"arguments"`
	WorkingDirectory                  string            `json:"workingDirectory"`
	Timeout                           string            `json:"timeout"`
	NestedProcessTerminationTimeout   string            `json:"nestedProcessTerminationTimeout"`
	AllowedSurvivingChildProcessNames []string          `json:"allowedSurvivingChildProcessNames"`
	TimeoutDumpDirectory              string            `json:"timeoutDumpDirectory"`
	SidebandRoot                      string            `json:"sidebandRoot"`
	WriteScopeRoots                   []string          `json:"writeScopeRoots"`
	MaxInlineOutputLength             int               `json:"maxInlineOutputLength"`
	EnvironmentVariables              map[string]string `json:"environmentVariables"`
}

func loadManifestJSONBytes(b []byte, manifest *policy.Manifest) (*SandboxedProcessInfo, error) {
	var jd jsonManifestDescription
	if err := json.Unmarshal(b, &jd); err != nil {
		return nil, err
	}

	info := &SandboxedProcessInfo{
		FileName:                          jd.File,
		Arguments:                         jd.Arguments,
		WorkingDirectory:                  jd.WorkingDirectory,
		AllowedSurvivingChildProcessNames: jd.AllowedSurvivingChildProcessNames,
		TimeoutDumpDirectory:              jd.TimeoutDumpDirectory,
		SidebandRoot:                      jd.SidebandRoot,
		WriteScopeRoots:                   jd.WriteScopeRoots,
		MaxInlineOutputLength:             jd.MaxInlineOutputLength,
		FileAccessManifest:                manifest,
		EnvironmentVariables:              jd.EnvironmentVariables,
	}

	var err error
	if jd.Timeout != "" {
		if info.Timeout, err = time.ParseDuration(jd.Timeout); err != nil {
			return nil, err
		}
	}
	if jd.NestedProcessTerminationTimeout != "" {
		if info.NestedProcessTerminationTimeout, err = time.ParseDuration(jd.NestedProcessTerminationTimeout); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func loadManifestBytes(b []byte, manifest *policy.Manifest) (*SandboxedProcessInfo, error) {
	var md manifestDescription
	if err := gcfg.ReadStringInto(&md, string(b)); err != nil {
		return nil, err
	}

	info := &SandboxedProcessInfo{
		FileName:                          md.Global.File,
		Arguments:                         md.Global.Argument,
		WorkingDirectory:                  md.Global.WorkingDirectory,
		AllowedSurvivingChildProcessNames: md.Global.AllowedSurvivingChildProcessName,
		TimeoutDumpDirectory:              md.Global.TimeoutDumpDirectory,
		SidebandRoot:                      md.Global.SidebandRoot,
		WriteScopeRoots:                   md.Global.WriteScopeRoot,
		MaxInlineOutputLength:             md.Global.MaxInlineOutputLength,
		FileAccessManifest:                manifest,
		EnvironmentVariables:              make(map[string]string, len(md.EnvironmentVariable)),
	}

	var err error
	if md.Global.Timeout != "" {
		if info.Timeout, err = time.ParseDuration(md.Global.Timeout); err != nil {
			return nil, err
		}
	}
	if md.Global.NestedProcessTerminationTimeout != "" {
		if info.NestedProcessTerminationTimeout, err = time.ParseDuration(md.Global.NestedProcessTerminationTimeout); err != nil {
			return nil, err
		}
	}
	for name, v := range md.EnvironmentVariable {
		if v != nil {
			info.EnvironmentVariables[name] = v.Value
		}
	}
	return info, nil
}
