// Package policy parses and loads the admission policy ("limit per window")
// that the limiter is built from.
package policy

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// Policy admits at most Limit requests per identity in any trailing Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Parse reads "<limit>/<window>", e.g. "5/60s" or "100/1m". A bare integer
// window is taken as seconds.
func Parse(s string) (Policy, error) {
	limStr, winStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Policy{}, xerrors.Newf("policy %q: want <limit>/<window>", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limStr))
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "policy %q: limit", s)
	}
	winStr = strings.TrimSpace(winStr)
	var window time.Duration
	if secs, err := strconv.Atoi(winStr); err == nil {
		window = time.Duration(secs) * time.Second
	} else {
		window, err = time.ParseDuration(winStr)
		if err != nil {
			return Policy{}, xerrors.Wrapf(err, "policy %q: window", s)
		}
	}
	p := Policy{Limit: limit, Window: window}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return xerrors.Newf("policy limit must be > 0 (got %d)", p.Limit)
	}
	if p.Window <= 0 {
		return xerrors.Newf("policy window must be > 0 (got %s)", p.Window)
	}
	return nil
}

func (p Policy) String() string {
	return strconv.Itoa(p.Limit) + "/" + p.Window.String()
}

// SSMGetParameterAPI is the subset of *ssm.Client used by LoadSSM.
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSSM reads and parses the policy stored in an SSM parameter.
func LoadSSM(ctx context.Context, client SSMGetParameterAPI, param string) (Policy, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Policy{}, xerrors.Newf("SSM parameter %s has no value", param)
	}
	p, err := Parse(*out.Parameter.Value)
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "SSM parameter %s", param)
	}
	return p, nil
}
