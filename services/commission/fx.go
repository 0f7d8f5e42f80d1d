package commission

import "go.uber.org/fx"

var Module = fx.Module("commission.service",
	fx.Provide(
		NewDirectory,
		func(d *Directory) Resolver { return d },
		NewService,
	),
)
