package store

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// ParameterGetter is the subset of *ssm.Client needed to resolve secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveConnectionString reads a connection string from a SecureString
// SSM parameter. The value never appears in returned errors.
func ResolveConnectionString(ctx context.Context, client ParameterGetter, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	dsn := strings.TrimSpace(*out.Parameter.Value)
	if dsn == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return dsn, nil
}
