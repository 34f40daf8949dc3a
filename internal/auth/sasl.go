package auth

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Mechanisms lists the SASL mechanisms NewServer accepts.
var Mechanisms = []string{sasl.Plain, sasl.Login}

// NewServer returns a SASL server for mech that verifies against s and
// calls onSuccess with the authenticated username.
func (s *Store) NewServer(mech string, onSuccess func(username string)) (sasl.Server, error) {
	verify := func(username, password string) error {
		if err := s.Verify(username, password); err != nil {
			return err
		}
		onSuccess(username)
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identities not supported")
			}
			return verify(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: verify}, nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", mech)
	}
}

// loginServer implements the obsolete LOGIN mechanism, which go-sasl only
// provides as a client. The initial response, when present, is the
// username.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.step {
	case 0:
		if response == nil {
			a.step = 1
			return []byte("Username:"), false, nil
		}
		a.username = string(response)
		a.step = 2
		return []byte("Password:"), false, nil
	case 1:
		a.username = string(response)
		a.step = 2
		return []byte("Password:"), false, nil
	case 2:
		a.step = 3
		return nil, true, a.authenticate(a.username, string(response))
	default:
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
}
