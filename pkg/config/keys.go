package config

// Setting keys understood by the ingestor.
const (
	KeyDatabaseHost     = "database_host"
	KeyDatabaseName     = "database_db"
	KeyDatabaseUser     = "database_user"
	KeyDatabasePassword = "database_password"
	KeyDatabasePort     = "database_port"
	KeyDatabaseMaxConns = "database_max_open_conns"

	KeyMQTTHost     = "mqtt_host"
	KeyMQTTID       = "mqtt_id"
	KeyMQTTPort     = "mqtt_port"
	KeyMQTTUsername = "mqtt_username"
	KeyMQTTPassword = "mqtt_password"
	KeyMQTTTLS      = "mqtt_tls"
	KeyMQTTTopic    = "mqtt_topic"
	KeyMQTTUniqueID = "mqtt_unique_id"

	KeyRedisAddr       = "redis_addr"
	KeyRedisPassword   = "redis_password"
	KeyRedisDB         = "redis_db"
	KeyRedisTTLSeconds = "redis_ttl_seconds"

	KeyConnectRetrySeconds = "connect_retry_seconds"
	KeyLogLevel            = "log_level"
	KeyLogFormat           = "log_format"
)

// RequiredKeys must be present for the service to start.
var RequiredKeys = []string{
	KeyDatabaseHost,
	KeyDatabaseName,
	KeyDatabaseUser,
	KeyDatabasePassword,
	KeyDatabasePort,
	KeyMQTTHost,
	KeyMQTTID,
	KeyMQTTPort,
}

// OptionalKeys have defaults but can still be overridden from the environment.
var OptionalKeys = []string{
	KeyDatabaseMaxConns,
	KeyMQTTUsername,
	KeyMQTTPassword,
	KeyMQTTTLS,
	KeyMQTTTopic,
	KeyMQTTUniqueID,
	KeyRedisAddr,
	KeyRedisPassword,
	KeyRedisDB,
	KeyRedisTTLSeconds,
	KeyConnectRetrySeconds,
	KeyLogLevel,
	KeyLogFormat,
}
