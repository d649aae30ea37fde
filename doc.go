// Package summary is the metadata cache of a mail folder.
//
// For every message of a folder a [Summary] keeps a compact record, a
// [MessageInfo], with the message's flags, envelope, size, dates,
// threading hashes, user flags and tags, and a preview. Folder views,
// search and filters read and change this metadata through the summary
// instead of fetching messages.
//
// # Two tiers
//
// The summary keeps the flags of every known UID in memory at all times.
// Full records are read from a [store.Store] the first time they are
// requested with [Summary.Get] and dropped again by a background sweep
// once the folder has been idle for the eviction interval. Records that
// are pinned, dirty or folder-flagged are never dropped.
//
//	s, _ := summary.New(ctx, "INBOX", summary.WithStore(st))
//	_ = s.Load(ctx)
//
//	flags, ok := s.InfoFlags("42") // no store I/O
//
//	mi, err := s.Get(ctx, "42")
//	if err == nil {
//	    fmt.Println(mi.Subject())
//	    mi.Release()
//	}
//
// # Counters
//
// Six aggregate counts (saved, unread, deleted, junk, junk-not-deleted and
// visible) are maintained incrementally from flag transitions. They always
// equal a recount of the flag map for the folder's [Role]. A deleted
// message counts as unread only in the trash folder; the junk flag never
// affects the unread count.
//
// # Write-back
//
// Mutations mark records dirty and the folder header dirty. [Summary.Save]
// writes dirty records and the header; a record whose write fails stays
// dirty and the header stays dirty, so a later Save retries. Without a
// store the summary is memory-only and Save, Load and Clear do no I/O.
//
// # Change notification
//
// Flag changes are coalesced per UID and delivered in batches on the
// configured [Scheduler], both to [ChangeHandler] callbacks and as
// [FlagsChangedEvent] events on the summary's event bus:
//
//	s, _ := summary.New(ctx, "INBOX",
//	    summary.WithStore(st),
//	    summary.WithChangeHandler(func(ctx context.Context, changes []summary.FlagChange) {
//	        for _, c := range changes {
//	            log.Printf("%s is now %s", c.UID, c.Flags)
//	        }
//	    }),
//	)
//
// # Backends
//
// The store package defines the persistence contract. Implementations live
// in store/memory, store/postgres, store/mongo, store/sqlite, store/redis
// and store/bolt; store/otel adds tracing and metrics to any of them. The
// snapshot package copies folders between stores through S3 or GCS.
package summary
