/*
Package config loads service settings from YAML or JSON with environment
overrides.

# Basic Usage

	settings, err := config.Load("flowcanvas.yaml")
	if err != nil {
	    log.Fatal(err)
	}

Keys are dotted paths into the decoded document:

	listen_addr: ":8080"
	generation:
	  timeout: 300s
	capture:
	  store: redis
	  redis_addr: localhost:6379

Every key can be overridden by an environment variable named after it:
capture.redis_addr is read from FLOWCANVAS_CAPTURE_REDIS_ADDR.

# Variable References

String values in the file may reference environment variables with
${NAME}. Load fails if a referenced variable is unset. The bare $NAME
form is left alone:

	capture:
	  browser_api_key: ${BROWSER_API_KEY}

# Type Coercion

Duration accepts Go duration strings ("90s") or numbers of seconds, so
values coming from the environment as strings convert the same way as
values decoded from YAML.
*/
package config
