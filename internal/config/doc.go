// Package config provides configuration management for tether.
//
// The package uses a Provider interface to abstract configuration loading, with the
// primary implementation being filesystem-based configuration via YAML files.
//
// # Configuration Structure
//
//	resolver:
//	  mode: system          # system (net.Resolver, honors /etc/hosts) or dns
//	  servers:              # dns mode only, host:port
//	    - 1.1.1.1:53
//	  timeout: 5s           # bound on one resolution (both families)
//	  retries: 0            # dns mode: extra attempts per query
//	socket:
//	  syn_retries: 3        # TCP_SYNCNT applied before connect (Linux)
//	  buffer_size: 8192     # bytes per receive
//	  connect_timeout: 0s   # 0 leaves the bound to syn_retries
//
// # Basic Usage
//
//	cfg, err := config.New().Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	res := resolver.New(cfg.Resolver.Timeout, cfg.ResolverOptions()...)
//	sock := socket.New(cfg.SocketConfig(), res, handler)
//
// # Defaults
//
// If no configuration file exists, Default() is returned. Keys missing from
// an existing file keep their default values.
//
// # Validation
//
//   - resolver.mode must be system or dns; dns needs at least one server
//   - resolver.timeout must be at least 1 second
//   - socket.syn_retries must be between 1 and 255
//   - socket.buffer_size must be at least 512 bytes
//   - socket.connect_timeout cannot be negative
//
// Save writes a configuration atomically through filesys.AtomicWrite.
package config
