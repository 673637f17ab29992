package common

import "github.com/hussein-aitlahcen/requestNetwork/pkg/readiness"

const (
	ReadinessChainRPC    readiness.Component = "chainRPC"
	ReadinessProver      readiness.Component = "prover"
	ReadinessAttestor    readiness.Component = "attestor"
	ReadinessLightClient readiness.Component = "lightClient"
)
