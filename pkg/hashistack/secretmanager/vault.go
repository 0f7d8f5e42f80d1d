package secretmanager

import (
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault reads VAULT_ADDR and VAULT_TOKEN from the environment. The
// config layer only reads secrets when VAULT.ENABLE is set.
func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}
