package distro

import (
	"context"
	"errors"
	"testing"

	"github.com/Rudd3r/lisrc/pkg/assets"
	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		os   string
		want Variant
	}{
		{os: "red hat 6", want: Fedora},
		{os: "Red Hat 5", want: Fedora},
		{os: "oracle linux 8.9", want: Fedora},
		{os: "fedora linux 40", want: Fedora},
		{os: "red hat 7", want: RedHat7},
		{os: "RED HAT 7.9", want: RedHat7},
		{os: "opensuse leap 15.5", want: Suse},
		{os: "suse linux 15.4", want: Suse},
		{os: "debian gnu/linux 12", want: Debian},
		{os: "ubuntu 22.04", want: Debian},
		{os: "  Ubuntu 24.04\n", want: Debian},
		{os: "centos linux 7", want: Default},
		{os: "linux", want: Default},
		{os: "", want: Default},
		{os: "my ubuntu fork", want: Default},
	}
	for _, tt := range tests {
		t.Run(tt.os, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.os))
		})
	}
}

func TestVariantString(t *testing.T) {
	assert.Equal(t, "default", Default.String())
	assert.Equal(t, "debian", Debian.String())
	assert.Equal(t, "fedora", Fedora.String())
	assert.Equal(t, "redhat7", RedHat7.String())
	assert.Equal(t, "suse", Suse.String())
}

type fakeRunner struct {
	name    string
	content []byte
	stdout  string
	err     error
}

func (f *fakeRunner) ExecuteScript(_ context.Context, name string, content []byte, _ ...string) (*domain.CommandResult, error) {
	f.name = name
	f.content = content
	if f.err != nil {
		return nil, f.err
	}
	return &domain.CommandResult{Stdout: []byte(f.stdout)}, nil
}

func TestDetect(t *testing.T) {
	r := &fakeRunner{stdout: "Red Hat 7\n"}
	variant, name, err := Detect(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, RedHat7, variant)
	assert.Equal(t, "red hat 7", name)
	assert.Equal(t, assets.GetOSScript, r.name)
	assert.Equal(t, assets.GetOS(), r.content)
}

func TestDetectError(t *testing.T) {
	cause := &domain.CommandFailedError{Command: "./get_os.sh", ExitStatus: 127}
	_, _, err := Detect(context.Background(), &fakeRunner{err: cause})
	var failed *domain.CommandFailedError
	assert.True(t, errors.As(err, &failed))
}
