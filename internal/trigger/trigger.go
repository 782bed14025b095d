// Package trigger runs the local snapshot command and extracts the snapshot
// tag it reports.
package trigger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/model"
	"github.com/cassnap-project/cassnap/pkg/pathutil"
	"github.com/cassnap-project/cassnap/pkg/template"
)

var tagLine = regexp.MustCompile(`Snapshot directory:\s*(\S+)`)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, argv []string) (stdout []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes argv. A non-zero exit returns an error carrying the tail of
// stderr.
func (ExecRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = "..." + msg[len(msg)-512:]
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Trigger takes and clears local snapshots. Both commands are expanded with
// pkg/template; Vars adds placeholders such as {cluster} and {host}, and the
// clear command also sees {tag}. Now supplies {date} and {unix}; nil means
// time.Now.
type Trigger struct {
	SnapshotCommand []string
	ClearCommand    []string
	Vars            map[string]string
	Runner          Runner
	Now             func() time.Time
}

// Snapshot runs the snapshot command and returns the reported tag.
func (t *Trigger) Snapshot(ctx context.Context) (model.SnapshotTag, error) {
	log := zerolog.Ctx(ctx)
	argv := template.ExpandArgs(t.SnapshotCommand, t.Vars, t.now())
	log.Info().Strs("command", argv).Msg("taking local snapshot")

	out, err := t.runner().Run(ctx, argv)
	if err != nil {
		return "", errclass.ErrTriggerFailed.WithMessagef("%s: %v", strings.Join(argv, " "), err)
	}
	tag, err := ParseTag(bytes.NewReader(out))
	if err != nil {
		return "", err
	}
	log.Debug().Str("tag", tag.String()).Msg("snapshot taken")
	return tag, nil
}

// Clear removes the local snapshot tag.
func (t *Trigger) Clear(ctx context.Context, tag model.SnapshotTag) error {
	if len(t.ClearCommand) == 0 {
		return errclass.ErrTriggerFailed.WithMessage("no clear command configured")
	}
	vars := map[string]string{"tag": tag.String()}
	for k, v := range t.Vars {
		if k != "tag" {
			vars[k] = v
		}
	}
	argv := template.ExpandArgs(t.ClearCommand, vars, t.now())
	zerolog.Ctx(ctx).Info().Strs("command", argv).Msg("clearing local snapshot")
	if _, err := t.runner().Run(ctx, argv); err != nil {
		return errclass.ErrTriggerFailed.WithMessagef("%s: %v", strings.Join(argv, " "), err)
	}
	return nil
}

func (t *Trigger) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

func (t *Trigger) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

// ParseTag scans command output for "Snapshot directory: <tag>". The last
// match wins. No match is E_TAG_NOT_FOUND.
func ParseTag(r io.Reader) (model.SnapshotTag, error) {
	var tag string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if m := tagLine.FindStringSubmatch(sc.Text()); m != nil {
			tag = m[1]
		}
	}
	if err := sc.Err(); err != nil {
		return "", errclass.ErrTagNotFound.WithMessagef("read snapshot output: %v", err)
	}
	if tag == "" {
		return "", errclass.ErrTagNotFound.WithMessage("snapshot output has no 'Snapshot directory:' line")
	}
	if err := pathutil.ValidateTag(tag); err != nil {
		return "", errclass.ErrTagNotFound.WithMessagef("unusable snapshot tag %q", tag)
	}
	return model.SnapshotTag(tag), nil
}
