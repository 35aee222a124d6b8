// Package lease defines the lease table and the store persisting it.
//
// The whole table lives under a single key of a shared medium and is read
// and written in one piece. The store fails open: storage or decoding
// problems turn into an empty table on read and a dropped write on save, so
// callers always get an answer.
//
//	store := lease.NewStore(medium.NewInMemory())
//	t := store.Load(ctx)
//	t["competitor-42"] = lease.New(7, time.Now())
//	store.Save(ctx, t)
package lease
