package nametemplate

import (
	"bytes"
	"fmt"
	"io/fs"
	"runtime"
	"text/template"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type Model struct {
	root    fs.FS
	envRepo env.Repository
	logger  log.Logger
	os      string
	arch    string
	now     func() time.Time
}

type templateInventory struct {
	OS   string
	Arch string
	// Date is the current UTC date as YYYYMMDD.
	Date string
	// Timestamp is the current Unix time in seconds.
	Timestamp int64
}

// NewModel creates a Model. Checksum patterns of the template are resolved in root.
func NewModel(root fs.FS, envRepo env.Repository, logger log.Logger) Model {
	return Model{
		root:    root,
		envRepo: envRepo,
		logger:  logger,
		os:      runtime.GOOS,
		arch:    runtime.GOARCH,
		now:     time.Now,
	}
}

// Evaluate returns the object name prefix a template resolves to.
func (m Model) Evaluate(prefix string) (string, error) {
	funcMap := template.FuncMap{
		"getenv":   m.getEnvVar,
		"checksum": m.checksum,
	}

	tmpl, err := template.New("").Funcs(funcMap).Option("missingkey=error").Parse(prefix)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	now := m.now().UTC()
	inventory := templateInventory{
		OS:        m.os,
		Arch:      m.arch,
		Date:      now.Format("20060102"),
		Timestamp: now.Unix(),
	}

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}
	return resultBuffer.String(), nil
}

func (m Model) getEnvVar(key string) string {
	value := m.envRepo.Get(key)
	if value == "" {
		m.logger.Warnf("Environment variable %s used in the object prefix is not defined", key)
	}
	return value
}
