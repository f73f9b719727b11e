package kvstore

// Persisted key layout. All durable core state lives under these keys;
// every component builds them through the gateway so the namespace
// prefix is applied uniformly.

// SessionKey returns the hash key for a session id
func (c *Client) SessionKey(id string) string {
	return c.Key("session", id)
}

// ResourceKey returns the hash key for a worker node
func (c *Client) ResourceKey(nodeID string) string {
	return c.Key("resource", nodeID)
}

// JobKey returns the hash key for a job
func (c *Client) JobKey(jobID string) string {
	return c.Key("job", jobID)
}

// ResourcesSetKey returns the set of registered node ids
func (c *Client) ResourcesSetKey() string {
	return c.Key("resources")
}

// RunningSetKey returns the set of active job ids for a pool
func (c *Client) RunningSetKey(pool string) string {
	return c.Key(pool, "running")
}

// SecretsIndexKey returns the secret-to-session-id reverse index
func (c *Client) SecretsIndexKey() string {
	return c.Key("all_session_secrets")
}

// UsersIndexKey returns the user-to-session-id reverse index
func (c *Client) UsersIndexKey() string {
	return c.Key("all_users")
}

// NextSessionIDKey returns the monotonic session id counter
func (c *Client) NextSessionIDKey() string {
	return c.Key("next_session_id")
}

// CommunicationChannel returns the pub/sub channel for an entity id
func (c *Client) CommunicationChannel(id string) string {
	return c.Key(id, "COMMUNICATION")
}
