package viewergateway

import "github.com/google/uuid"

func randomViewerID() string {
	return uuid.NewString()
}
