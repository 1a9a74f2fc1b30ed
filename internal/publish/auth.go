package publish

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/google/go-containerregistry/pkg/authn"
)

// getAuthConfig exchanges the caller's AWS credentials for registry credentials.
func getAuthConfig(ctx context.Context, ecrClient ecriface.ECRAPI) (authConfig authn.AuthConfig, err error) {
	ecrAuthToken, err := ecrClient.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return
	}

	authData := ecrAuthToken.AuthorizationData
	if len(authData) == 0 || authData[0].AuthorizationToken == nil {
		err = errors.New("no auth data for ecr")
		return
	}

	auth, err := base64.StdEncoding.DecodeString(aws.StringValue(authData[0].AuthorizationToken))
	if err != nil {
		return
	}

	authParts := strings.SplitN(string(auth), ":", 2)
	if len(authParts) != 2 {
		err = errors.New("malformed ecr authorization token")
		return
	}

	authConfig = authn.AuthConfig{
		Username: authParts[0],
		Password: authParts[1],
	}
	return
}

func registryAuthenticator(ctx context.Context, ecrClient ecriface.ECRAPI) (authn.Authenticator, error) {
	cfg, err := getAuthConfig(ctx, ecrClient)
	if err != nil {
		return nil, err
	}
	return authn.FromConfig(cfg), nil
}
