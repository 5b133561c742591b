/*
slicecube converts a stack of 2d image slices into fixed-size compressed 3d cubes held by a
remote server, plus coarse MIP and mean downsamples of the whole volume.  It is meant for
microscopy stacks too large to convert eagerly: cubes are produced when the server asks for
them, neighbors of requested cubes are produced speculatively, and everything else is left
alone except for a background sweep that completes the downsamples.

Conversions are expected to be interrupted.  All durable progress is kept in a state
directory:

	state.log         append-only facts: volume parameters, token, needed and ready cubes
	downsample.cache  accumulated MIP/SUM/COUNT blocks and the visited bitmap
	partial/          slices already read by cubes that were loading at shutdown

A cube is only logged as ready after its upload succeeded, so a resumed run never
believes a truncated artifact exists.

# Preparing a state directory

	slicecube -cubesize=256,256,256 -downsample=8,8,8 -resolution=8,8,8 prepare /data/state /data/slices

probes every slice header, checks that the geometry agrees and writes the initial log.
Slice files are TIFF, PNG or the tiled ".ctile" format written by slicecube itself.

# Running

	slicecube -config=slicecube.toml resume /data/state

uploads the volume catalog if no token has been logged yet, then polls the server for
needed cubes until it is stopped.  The first ctrl-C stops new speculative work and exits
once in-flight cubes finish; a second ctrl-C or a SIGTERM exits immediately.

# Configuration

The TOML file has optional sections:

	[logging]   logfile, max_log_size, max_log_age
	[remote]    url (http(s)://, file:// or gs://), group, secret
	[kafka]     servers, topic for cube-ready notifications
	[workers]   io, cpu, jobs, sweep
	[cache]     tile_bytes, spill_bytes, tiled_dir, max_handles, cell_size, ...
	[schedule]  sync, export, flush, no_sweep, max_suggested, compression
	[status]    address, cors_origins for the /status and /metrics endpoints
*/
package main
