/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetEnvOrFail returns the value of the given environment variable, and
// quits the program if it isn't set.
func GetEnvOrFail(env string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		log.Fatalf("Given environment variable (%s) is not set", env)
	}
	return found
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// GetEnvAsInt gets the environment variable and parses it into an integer.
// If the env variable can't be parsed, it logs the error and exits the program.
func GetEnvAsInt(env string) int {
	intStr := os.Getenv(env)
	if len(intStr) == 0 {
		log.Fatalf("Given environment variable (%s) is not set", env)
	}
	parsed, err := strconv.ParseInt(intStr, 10, 64)
	if err != nil {
		log.Fatalf("Given environment variable (%s) was not a valid int: %s", env, intStr)
	}
	return int(parsed)
}

// GetEnvAsIntOrElse parses the environment variable as an integer, falling
// back to the given default when it is unset.
func GetEnvAsIntOrElse(env string, defaultValue int) int {
	envVar := os.Getenv(env)
	if len(envVar) == 0 {
		return defaultValue
	}
	return GetEnvAsInt(env)
}

// GetEnvAsBool gets the specified environment variable, and tries to parse
// it as a bool, falling back to the given default when unset.
func GetEnvAsBool(env string, defaultValue bool) bool {
	boolStr := os.Getenv(env)
	if len(boolStr) == 0 {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(boolStr)
	if err != nil {
		log.Fatalf("Given environment variable (%s) was not a valid bool: %s", env, boolStr)
	}
	return parsed
}

// GetEnvAsDurationOrElse parses the environment variable as a time.Duration
// ("30s", "5m"), falling back to the given default when unset.
func GetEnvAsDurationOrElse(env string, defaultValue time.Duration) time.Duration {
	durStr := os.Getenv(env)
	if len(durStr) == 0 {
		return defaultValue
	}
	parsed, err := time.ParseDuration(durStr)
	if err != nil {
		log.Fatalf("Given environment variable (%s) was not a valid duration: %s", env, durStr)
	}
	return parsed
}
