package api

import (
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

type resultResponse struct {
	Result types.ActionResult `json:"result"`
}

type valueResponse struct {
	Value int64 `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type resourcesResponse struct {
	Resources []string `json:"resources"`
}

type statusResponse struct {
	Status string `json:"status"`
}
