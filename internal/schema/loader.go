package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Loader loads a model from a location.
type Loader interface {
	Load(location string) (*Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(location string) (*Model, error)

// Load implements Loader.
func (f LoaderFunc) Load(location string) (*Model, error) {
	return f(location)
}

// Error codes for model loading. E0xx are I/O and CUE build failures; E1xx
// are model errors.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeScanError    = "E002"
	ErrCodeNoFiles      = "E003"
	ErrCodeLoadFailed   = "E004"
	ErrCodeNotFound     = "E005"
	ErrCodeBuildFailed  = "E006"
	ErrCodeEntity       = "E101"
	ErrCodeAttribute    = "E102"
	ErrCodeInvalidType  = "E104"
	ErrCodeRelationship = "E105"
	ErrCodeDeleteRule   = "E106"
	ErrCodeDestination  = "E107"
)

// LoadError describes why a model could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// CUELoader loads a model from a single .cue file or from a directory whose
// .cue files form one package.
type CUELoader struct{}

// Load implements Loader.
func (CUELoader) Load(location string) (*Model, error) {
	info, err := os.Stat(location)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("model not found: %s", location), Err: err}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing model: %v", err), Err: err}
	}

	var value cue.Value
	if info.IsDir() {
		value, err = buildDir(location)
	} else {
		value, err = buildFile(location)
	}
	if err != nil {
		return nil, err
	}

	model, err := Compile(value)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return model, nil
}

func buildFile(path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err), Err: err}
	}
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err), Err: err}
	}
	return value, nil
}

func buildDir(dir string) (cue.Value, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err), Err: err}
	}
	if len(files) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err), Err: inst.Err}
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err), Err: err}
	}
	return value, nil
}

// FindCUEFiles returns the .cue files directly inside dir.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// convertCompileError maps a CompileError onto a LoadError code.
func convertCompileError(err error) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return &LoadError{
			Code:    MapFieldToErrorCode(ce.Field),
			Message: ce.Message,
			Pos:     ce.Pos,
			Err:     err,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Err: err}
}

// MapFieldToErrorCode maps a CompileError field to a LoadError code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "entity":
		return ErrCodeEntity
	case "attribute":
		return ErrCodeAttribute
	case "type":
		return ErrCodeInvalidType
	case "relationship":
		return ErrCodeRelationship
	case "deleteRule":
		return ErrCodeDeleteRule
	case "destination":
		return ErrCodeDestination
	case "cue":
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}
