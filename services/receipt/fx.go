package receipt

import (
	"donation-reconciler/pkg/minio"

	"go.uber.org/fx"
)

type documentStoreParams struct {
	fx.In
	Store *minio.ObjectStore `optional:"true"`
}

// provideDocumentStore keeps a missing object store a nil interface, not a typed nil.
func provideDocumentStore(p documentStoreParams) DocumentStore {
	if p.Store == nil {
		return nil
	}
	return p.Store
}

var Module = fx.Module("receipt.service",
	fx.Provide(
		func() Renderer { return HTMLRenderer{} },
		provideDocumentStore,
		NewService,
	),
)
