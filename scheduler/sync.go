package scheduler

import (
	"fmt"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/statelog"
)

// poll asks the server for cubes requested past the cursor.
func (s *Scheduler) poll() {
	if s.polling || s.draining || s.client == nil || s.fatal != nil {
		return
	}
	s.polling = true
	s.inflight++
	cursor := s.cursor
	go func() {
		pending, err := s.client.Pending(s.ctx, cursor)
		s.post(func() {
			s.polling = false
			s.inflight--
			if err != nil {
				if s.ctx.Err() == nil {
					dvid.Warningf("Polling server for requested cubes failed: %v\n", err)
				}
				return
			}
			for _, p := range pending {
				if p.Seq > s.cursor {
					s.cursor = p.Seq
				}
				k, err := cube.Parse(p.Path)
				if err != nil {
					dvid.Warningf("Ignoring request %d for %q: %v\n", p.Seq, p.Path, err)
					continue
				}
				if k.Kind != cube.Regular {
					continue
				}
				s.need(k, false)
			}
			s.schedule()
		})
	}()
}

// flush writes the dirty blocks of the downsample volume to the cache file, then
// calls then on the reactor.  A flush requested while one is running waits for the
// next one.
func (s *Scheduler) flush(then func(error)) {
	if then != nil {
		s.flushWaiters = append(s.flushWaiters, then)
	}
	if s.flushing {
		return
	}
	waiters := s.flushWaiters
	s.flushWaiters = nil
	s.flushing = true
	s.inflight++
	first := !s.cacheWritten
	s.ioPool.Go(s.ctx, func() {
		timedLog := dvid.NewTimeLog()
		err := s.acc.Save(s.cachePath(), first)
		if err == nil {
			timedLog.Debugf("Flushed downsample cache at version %d", s.acc.Version())
		}
		s.post(func() {
			s.flushing = false
			s.inflight--
			if err == nil {
				s.cacheWritten = true
			}
			for _, fn := range waiters {
				fn(err)
			}
			if err != nil && len(waiters) == 0 {
				s.fail(fmt.Errorf("flushing downsample cache: %v", err))
			}
			if len(s.flushWaiters) > 0 && s.fatal == nil {
				s.flush(nil)
			}
		})
	})
}

// export uploads the MIP and mean volumes if they changed since the last export.  The
// cache is flushed before the uploads are logged so a logged downsample version is
// never ahead of the cache.
func (s *Scheduler) export() {
	if s.exporting || s.draining || s.client == nil || s.fatal != nil {
		return
	}
	if s.acc.Version() <= s.mipVersion && s.acc.Version() <= s.avgVersion {
		return
	}
	s.exporting = true
	uploaded := make(map[cube.Kind]uint64)
	pending := 2
	done := func(kind cube.Kind, version uint64) {
		if version > 0 {
			uploaded[kind] = version
		}
		if pending--; pending > 0 {
			return
		}
		if len(uploaded) == 0 || s.fatal != nil {
			s.exporting = false
			return
		}
		s.flush(func(err error) {
			s.exporting = false
			if err != nil {
				s.fail(fmt.Errorf("flushing downsample cache: %v", err))
				return
			}
			for _, kind := range []cube.Kind{cube.Mip, cube.Avg} {
				version, found := uploaded[kind]
				if !found {
					continue
				}
				if err := s.log.Append(statelog.DownsampleReadyFact(version, kind)); err != nil {
					s.fail(err)
					return
				}
				if kind == cube.Mip {
					s.mipVersion = version
				} else {
					s.avgVersion = version
				}
			}
		})
	}
	s.exportKind(cube.Mip, s.mipVersion, done)
	s.exportKind(cube.Avg, s.avgVersion, done)
}

// exportKind calls done on the reactor with the uploaded version, or 0 if nothing
// was uploaded.
func (s *Scheduler) exportKind(kind cube.Kind, since uint64, done func(cube.Kind, uint64)) {
	s.inflight++
	s.cpuPool.Go(s.ctx, func() {
		version, changed, data, err := s.encodeDownsample(kind, since)
		if err != nil || !changed {
			s.post(func() {
				s.inflight--
				if err != nil {
					s.fail(err)
				}
				done(kind, 0)
			})
			return
		}
		go func() {
			var bytes int64
			for c := range data {
				if err = s.client.Upload(s.ctx, cube.Format(downsampleKey(kind, uint8(c))), data[c]); err != nil {
					break
				}
				bytes += int64(len(data[c]))
			}
			s.post(func() {
				s.inflight--
				if err != nil {
					s.fail(fmt.Errorf("uploading %s volume: %v", kind, err))
					done(kind, 0)
					return
				}
				s.counters.bytesUploaded.Add(uint64(bytes))
				dvid.Infof("Uploaded %s downsample volume at version %d (%s)\n", kind, version, dvid.Bytes(bytes))
				done(kind, version)
			})
		}()
	})
}

func downsampleKey(kind cube.Kind, channel uint8) cube.Key {
	if kind == cube.Mip {
		return cube.MipKey(channel)
	}
	return cube.AvgKey(channel)
}

// encodeDownsample compresses one volume per channel.
func (s *Scheduler) encodeDownsample(kind cube.Kind, since uint64) (version uint64, changed bool, data [][]byte, err error) {
	var vols []*cube.Volume
	if kind == cube.Mip {
		vols, version, changed = s.acc.ExportMip(since)
	} else {
		vols, version, changed = s.acc.ExportAvg(since)
	}
	if !changed {
		return 0, false, nil, nil
	}
	data = make([][]byte, len(vols))
	for c, v := range vols {
		if data[c], err = s.enc.Encode(v); err != nil {
			return 0, false, nil, fmt.Errorf("compressing %s volume of channel %d: %v", kind, c, err)
		}
	}
	return version, true, data, nil
}
