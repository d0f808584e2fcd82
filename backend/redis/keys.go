package redis

// Redis key naming conventions for canvas result data.
// All keys are prefixed with "canvas:" to avoid collisions.

const keyPrefix = "canvas:"

// metaKey returns the key for one invocation's outcome record:
// canvas:meta:{id}
func metaKey(id string) string { return keyPrefix + "meta:" + id }

// chordRequestKey returns the key holding a registered chord request:
// canvas:chord:{groupID}:req
func chordRequestKey(groupID string) string {
	return keyPrefix + "chord:" + groupID + ":req"
}

// chordCountKey returns the counter of completed header members:
// canvas:chord:{groupID}:count
func chordCountKey(groupID string) string {
	return keyPrefix + "chord:" + groupID + ":count"
}
