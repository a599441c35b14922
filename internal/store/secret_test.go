package store

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paramFunc func(*ssm.GetParameterInput) (*ssm.GetParameterOutput, error)

func (f paramFunc) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f(in)
}

func TestResolveConnectionString(t *testing.T) {
	const dsn = "postgres://transit:hunter2@db:5432/transit"
	client := paramFunc(func(in *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		assert.Equal(t, "/transit/db-url", aws.ToString(in.Name))
		assert.True(t, aws.ToBool(in.WithDecryption))
		return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(" " + dsn + "\n")}}, nil
	})

	got, err := ResolveConnectionString(context.Background(), client, "/transit/db-url")
	require.NoError(t, err)
	assert.Equal(t, dsn, got)
}

func TestResolveConnectionString_Errors(t *testing.T) {
	cases := map[string]paramFunc{
		"call fails": func(*ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return nil, errors.New("AccessDenied")
		},
		"no value": func(*ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return &ssm.GetParameterOutput{}, nil
		},
		"blank": func(*ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String("  ")}}, nil
		},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveConnectionString(context.Background(), client, "/transit/db-url")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "/transit/db-url")
		})
	}
}
