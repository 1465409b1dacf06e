package realtime

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// session auth presented to the remote store during its handshake.
// the store verifies the jwt server-side; this side only needs the claims.

type SessionAuth struct {
	ByJwt      string
	AppVersion string
	InstanceId Id
}

type BySessionJwt struct {
	UserId      Id
	SpaceId     Id
	DisplayName string
}

func (self *SessionAuth) ActorId() (string, error) {
	bySessionJwt, err := ParseBySessionJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return bySessionJwt.UserId.String(), nil
}

func ParseBySessionJwtUnverified(jwtStr string) (*BySessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	bySessionJwt := &BySessionJwt{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			bySessionJwt.UserId = userId
		}
	}
	if spaceIdStr, ok := claims["space_id"]; ok {
		if spaceId, err := ParseId(spaceIdStr.(string)); err == nil {
			bySessionJwt.SpaceId = spaceId
		}
	}
	if displayName, ok := claims["display_name"]; ok {
		bySessionJwt.DisplayName = displayName.(string)
	}

	return bySessionJwt, nil
}
