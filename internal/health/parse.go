package health

import (
	"encoding/json"
	"fmt"
)

// masterchainInfo is the slice of getMasterchainInfo we care about: the
// chain tip identified by its block seqno.
type masterchainInfo struct {
	Last struct {
		Seqno uint64 `json:"seqno"`
	} `json:"last"`
}

// envelope covers the response wrappers seen across provider families:
// the toncenter {ok,result,error} wrapper, plain JSON-RPC {result}, a
// direct {last} body, or an {error} failure.
type envelope struct {
	OK     *bool           `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Last   json.RawMessage `json:"last"`
}

// ParseMasterchainInfo extracts the tip seqno from any of the accepted
// response shapes, in fixed precedence: wrapper, JSON-RPC result,
// direct body, error.
func ParseMasterchainInfo(body []byte) (uint64, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, fmt.Errorf("invalid JSON response: %w", err)
	}

	switch {
	case env.OK != nil:
		if !*env.OK {
			return 0, fmt.Errorf("provider error: %s", compact(env.Error))
		}
		return seqnoFrom(env.Result)
	case len(env.Result) > 0 && string(env.Result) != "null":
		return seqnoFrom(env.Result)
	case len(env.Last) > 0 && string(env.Last) != "null":
		return seqnoFrom(body)
	case len(env.Error) > 0 && string(env.Error) != "null":
		return 0, fmt.Errorf("provider error: %s", compact(env.Error))
	default:
		return 0, fmt.Errorf("unknown response envelope")
	}
}

func seqnoFrom(raw []byte) (uint64, error) {
	var info masterchainInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, fmt.Errorf("invalid masterchain info: %w", err)
	}
	if info.Last.Seqno == 0 {
		return 0, fmt.Errorf("invalid seqno")
	}
	return info.Last.Seqno, nil
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unspecified"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
