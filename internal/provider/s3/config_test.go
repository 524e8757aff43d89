package s3

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elabx-org/cloudmux/internal/domain"
)

func TestBaseConfigLoadedOncePerDescriptor(t *testing.T) {
	loads := 0
	orig := loadDefaultConfig
	loadDefaultConfig = func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
		loads++
		return aws.Config{Region: "eu-west-1"}, nil
	}
	t.Cleanup(func() { loadDefaultConfig = orig })

	d := Descriptor(nil)
	east := &domain.ProviderInstance{Settings: map[string]string{SettingBucket: "a", SettingRegion: "us-east-2"}}
	west := &domain.ProviderInstance{Settings: map[string]string{SettingBucket: "b", SettingRegion: "us-west-2"}}

	ae, err := d.New(east, domain.APIKeyCredential("AKIDEAST", "s1"))
	require.NoError(t, err)
	aw, err := d.New(west, domain.APIKeyCredential("AKIDWEST", "s2"))
	require.NoError(t, err)
	_, err = d.New(east, domain.APIKeyCredential("AKIDEAST", "s1"))
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, "us-east-2", ae.(*Adapter).client.Options().Region)
	assert.Equal(t, "us-west-2", aw.(*Adapter).client.Options().Region)

	creds, err := aw.(*Adapter).client.Options().Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDWEST", creds.AccessKeyID)
}
