package loan

import (
	"context"

	"loanflow/apperr"
	"loanflow/blob"
	"loanflow/profile"
)

// blobBatch records refs written during one submission so they can be
// removed if the submission does not commit.
type blobBatch struct {
	store   blob.Store
	written []string
}

func (b *blobBatch) copy(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	out, err := b.store.Copy(ctx, ref, blob.DirSnapshots)
	if err != nil {
		return "", apperr.Storage("loan: snapshot document", err)
	}
	if out != "" {
		b.written = append(b.written, out)
	}
	return out, nil
}

func (b *blobBatch) put(ctx context.Context, f *File) (string, error) {
	ref, err := b.store.Store(ctx, blob.DirDocuments, f.Name, f.Content)
	if err != nil {
		return "", apperr.Storage("loan: store document", err)
	}
	b.written = append(b.written, ref)
	return ref, nil
}

// takeSnapshot freezes the profile into the application. KTP and NPWP photos
// are copied so later profile edits leave the application's evidence intact.
func takeSnapshot(ctx context.Context, b *blobBatch, p profile.Profile) (Snapshot, error) {
	ktp, err := b.copy(ctx, p.KTPPhoto)
	if err != nil {
		return Snapshot{}, err
	}
	npwp, err := b.copy(ctx, p.NPWPPhoto)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		FullName:    p.FullName,
		PhoneNumber: p.PhoneNumber,
		Address:     p.Address,
		NIK:         p.NIK,
		BirthDate:   p.BirthDate,
		NPWPNumber:  p.NPWPNumber,
		KTPPhoto:    ktp,
		NPWPPhoto:   npwp,
	}, nil
}

func storeDocuments(ctx context.Context, b *blobBatch, req SubmitRequest) (Documents, error) {
	cover, err := b.put(ctx, req.SavingBookCover)
	if err != nil {
		return Documents{}, err
	}
	payslip, err := b.put(ctx, req.PayslipPhoto)
	if err != nil {
		return Documents{}, err
	}
	return Documents{SavingBookCover: cover, PayslipPhoto: payslip}, nil
}
