package oidcsvr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_authorizations_total",
			Help: "Completed authorization requests, by result",
		},
		[]string{"result"},
	)
	tokenRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_token_requests_total",
			Help: "Token endpoint requests, by grant type and result",
		},
		[]string{"grant_type", "result"},
	)
)
