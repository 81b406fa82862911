package oidc

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// AccessToken converts a CreateToken response into a token issued at
// now. The caller fills in the connection fields.
func AccessToken(out *ssooidc.CreateTokenOutput, now time.Time) models.AccessToken {
	return models.AccessToken{
		AccessToken:  aws.ToString(out.AccessToken),
		RefreshToken: aws.ToString(out.RefreshToken),
		ExpiresAt:    now.Add(time.Duration(out.ExpiresIn) * time.Second).UTC(),
		CreatedAt:    now.UTC(),
	}
}
