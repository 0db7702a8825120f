package guest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/durability"
	"github.com/M0-find-U/golem/pkg/golemid"
)

func echoProgram() *Program {
	return &Program{
		Name: "echo",
		Exports: map[string]Export{
			"echo": func(ctx context.Context, args []byte, wrapper *durability.Wrapper) ([]byte, error) {
				return args, nil
			},
		},
	}
}

func TestRegistryResolveReturnsRegisteredProgram(t *testing.T) {
	r := NewRegistry()
	component := golemid.NewComponentId()
	program := echoProgram()
	r.Register(component, 1, program)

	got, err := r.Resolve(context.Background(), component, 1)
	require.NoError(t, err)
	assert.Same(t, program, got)
}

func TestRegistryResolveUnknownComponentFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(context.Background(), golemid.NewComponentId(), 1)
	assert.Error(t, err)
}

func TestRegistryResolveDistinguishesVersions(t *testing.T) {
	r := NewRegistry()
	component := golemid.NewComponentId()
	v1 := echoProgram()
	v2 := echoProgram()
	r.Register(component, 1, v1)
	r.Register(component, 2, v2)

	got, err := r.Resolve(context.Background(), component, 2)
	require.NoError(t, err)
	assert.Same(t, v2, got)
	assert.NotSame(t, v1, got)
}
