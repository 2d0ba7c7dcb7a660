// Package federation exchanges a verified assertion for short-lived cloud
// credentials so the chatbot backend can reach per-user AWS resources.
package federation

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Credential is the result of a successful exchange.
type Credential struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"-"`
	SessionToken    string    `json:"-"`
	Expiration      time.Time `json:"expiration"`
	AssumedRole     string    `json:"assumedRole"`
}

// Federator exchanges the raw assertion document for credentials. The
// login flow treats any error as a degraded login, never a failed one.
type Federator interface {
	Federate(ctx context.Context, assertion []byte) (*Credential, error)
}

// stsAPI is the slice of the STS client the federator uses; tests
// substitute a fake.
type stsAPI interface {
	AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
}

// STSFederator calls AssumeRoleWithSAML. The call itself is unsigned; the
// assertion is the credential, so no AWS keys are needed on this service.
type STSFederator struct {
	client       stsAPI
	roleARN      string
	principalARN string
	duration     time.Duration
}

// NewSTSFederator builds a federator for the given role and SAML provider
// ARNs in region.
func NewSTSFederator(region, roleARN, principalARN string, duration time.Duration) *STSFederator {
	client := sts.New(sts.Options{Region: region})
	return &STSFederator{
		client:       client,
		roleARN:      roleARN,
		principalARN: principalARN,
		duration:     duration,
	}
}

// Federate presents the base64 form of the assertion document to STS.
func (f *STSFederator) Federate(ctx context.Context, assertion []byte) (*Credential, error) {
	if len(assertion) == 0 {
		return nil, fmt.Errorf("empty assertion")
	}

	seconds := int32(f.duration / time.Second)
	if seconds < 900 {
		seconds = 900
	}

	out, err := f.client.AssumeRoleWithSAML(ctx, &sts.AssumeRoleWithSAMLInput{
		RoleArn:         aws.String(f.roleARN),
		PrincipalArn:    aws.String(f.principalARN),
		SAMLAssertion:   aws.String(base64.StdEncoding.EncodeToString(assertion)),
		DurationSeconds: aws.Int32(seconds),
	})
	if err != nil {
		return nil, fmt.Errorf("assume role with SAML: %w", err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("STS returned no credentials")
	}

	cred := &Credential{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	if out.Credentials.Expiration != nil {
		cred.Expiration = *out.Credentials.Expiration
	}
	if out.AssumedRoleUser != nil {
		cred.AssumedRole = aws.ToString(out.AssumedRoleUser.Arn)
	}
	return cred, nil
}
